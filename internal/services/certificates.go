package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"
	"unicode"

	"learnhub-backend-go/internal/models"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	AlgorithmHMAC     = "hmac-sha256"
	AlgorithmUnkeyed  = "sha256-unkeyed"
	certificateLayout = "2006-01-02"
)

// Slugify lower-cases value, strips accents and joins alphanumeric runs with dashes.
func Slugify(value string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), value)
	if err != nil {
		folded = value
	}
	lower := strings.ToLower(strings.TrimSpace(folded))
	var b strings.Builder
	lastDash := false
	for _, r := range lower {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteRune('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

type Certificate struct {
	ID        string `json:"certificate_id"`
	CourseID  string `json:"course_id"`
	UserID    string `json:"user_id"`
	IssuedOn  string `json:"issued_on"`
	Signature string `json:"signature"`
	Algorithm string `json:"algorithm"`
}

type CertificateVerification struct {
	Valid       bool         `json:"valid"`
	Reason      string       `json:"reason,omitempty"`
	Certificate *Certificate `json:"certificate,omitempty"`
}

type CertificateConfig struct {
	Root          string
	PublicBaseURL string
	Secret        string
	AllowUnsigned bool
}

type CertificateIssuer struct {
	root        string
	baseURL     string
	secret      []byte
	unsigned    bool
	enrollments EnrollmentStore
}

func NewCertificateIssuer(cfg CertificateConfig, enrollments EnrollmentStore) (*CertificateIssuer, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		if !cfg.AllowUnsigned {
			return nil, errors.New("certificate signing secret is not configured")
		}
		log.Printf("[certificates] WARNING: CERT_SIGNING_SECRET is empty, certificates use %s signatures", AlgorithmUnkeyed)
	}
	root := cfg.Root
	if root == "" {
		root = "storage/certificates"
	}
	return &CertificateIssuer{
		root:        root,
		baseURL:     strings.TrimRight(cfg.PublicBaseURL, "/"),
		secret:      []byte(cfg.Secret),
		unsigned:    strings.TrimSpace(cfg.Secret) == "",
		enrollments: enrollments,
	}, nil
}

func (c *CertificateIssuer) Root() string {
	return c.root
}

func (c *CertificateIssuer) algorithm() string {
	if c.unsigned {
		return AlgorithmUnkeyed
	}
	return AlgorithmHMAC
}

// pathSegment keeps the readable slug of id and appends a digest of the raw
// id, so ids that slug alike ("User_1", "user-1") never share a directory.
func pathSegment(id string) string {
	sum := sha256.Sum256([]byte(id))
	digest := hex.EncodeToString(sum[:16])
	if slug := Slugify(id); slug != "" {
		return slug + "-" + digest
	}
	return digest
}

func certificateID(courseID, userID, date string) string {
	key, _ := json.Marshal([]string{courseID, userID, date})
	sum := sha256.Sum256(key)
	return Slugify(courseID+"-"+userID+"-"+date) + "-" + hex.EncodeToString(sum[:8])
}

func canonicalCertificate(id, courseID, userID, date string) []byte {
	data, _ := json.Marshal([]string{id, courseID, userID, date})
	return data
}

func (c *CertificateIssuer) sign(canonical []byte) string {
	if c.unsigned {
		sum := sha256.Sum256(canonical)
		return hex.EncodeToString(sum[:])
	}
	return signHex(c.secret, canonical)
}

func (c *CertificateIssuer) dir(courseID, userID, date string) (string, error) {
	if strings.TrimSpace(courseID) == "" || strings.TrimSpace(userID) == "" {
		return "", ErrBadRequest("Invalid certificate target")
	}
	return filepath.Join(c.root, pathSegment(courseID), pathSegment(userID), date), nil
}

// URL is the public address of the rendered certificate.
func (c *CertificateIssuer) URL(courseID, userID, date string) string {
	return c.baseURL + "/certificates/files/" + pathSegment(courseID) + "/" + pathSegment(userID) + "/" + date + "/certificate.svg"
}

// Issue writes the certificate artifacts and returns the public URL.
// Issuing twice for the same tuple rewrites identical files.
func (c *CertificateIssuer) Issue(courseID, userID string, issuedAt time.Time) (Certificate, string, error) {
	date := issuedAt.UTC().Format(certificateLayout)
	dir, err := c.dir(courseID, userID, date)
	if err != nil {
		return Certificate{}, "", err
	}
	id := certificateID(courseID, userID, date)
	cert := Certificate{
		ID:        id,
		CourseID:  courseID,
		UserID:    userID,
		IssuedOn:  date,
		Signature: c.sign(canonicalCertificate(id, courseID, userID, date)),
		Algorithm: c.algorithm(),
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Certificate{}, "", WrapError(err, "certificate dir")
	}
	payload, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		return Certificate{}, "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, "certificate.json"), payload); err != nil {
		return Certificate{}, "", err
	}
	var svg bytes.Buffer
	if err := certificateSVG.Execute(&svg, cert); err != nil {
		return Certificate{}, "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, "certificate.svg"), svg.Bytes()); err != nil {
		return Certificate{}, "", err
	}
	return cert, c.URL(courseID, userID, date), nil
}

// Load reads a stored certificate without checking it.
func (c *CertificateIssuer) Load(courseID, userID, date string) (Certificate, error) {
	dir, err := c.dir(courseID, userID, date)
	if err != nil {
		return Certificate{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "certificate.json"))
	if err != nil {
		return Certificate{}, err
	}
	var cert Certificate
	if err := json.Unmarshal(data, &cert); err != nil {
		return Certificate{}, err
	}
	return cert, nil
}

// Check recomputes the signature for cert and compares every field.
func (c *CertificateIssuer) Check(cert Certificate, courseID, userID, date string) string {
	if cert.CourseID != courseID || cert.UserID != userID || cert.IssuedOn != date {
		return "field_mismatch"
	}
	if cert.ID != certificateID(courseID, userID, date) || cert.Algorithm != c.algorithm() {
		return "field_mismatch"
	}
	expected := c.sign(canonicalCertificate(cert.ID, courseID, userID, date))
	if !hmac.Equal([]byte(expected), []byte(cert.Signature)) {
		return "signature_mismatch"
	}
	return ""
}

// Verify checks the artifact for a completed enrollment.
func (c *CertificateIssuer) Verify(ctx context.Context, courseID, userID string) (CertificateVerification, error) {
	enrollment, err := c.enrollments.CourseEnrollment(ctx, courseID, userID)
	if errors.Is(err, ErrRecordNotFound) {
		return CertificateVerification{Reason: "not_completed"}, nil
	}
	if err != nil {
		return CertificateVerification{}, err
	}
	if enrollment.Status != models.EnrollmentCompleted || enrollment.CompletedAt == nil {
		return CertificateVerification{Reason: "not_completed"}, nil
	}
	date := enrollment.CompletedAt.UTC().Format(certificateLayout)
	cert, err := c.Load(courseID, userID, date)
	if err != nil {
		return CertificateVerification{Reason: "missing_certificate"}, nil
	}
	if reason := c.Check(cert, courseID, userID, date); reason != "" {
		return CertificateVerification{Reason: reason, Certificate: &cert}, nil
	}
	return CertificateVerification{Valid: true, Certificate: &cert}, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var certificateSVG = template.Must(template.New("certificate").Funcs(template.FuncMap{
	"x": template.HTMLEscapeString,
}).Parse(`<svg xmlns="http://www.w3.org/2000/svg" width="1200" height="850" viewBox="0 0 1200 850">
  <rect width="1200" height="850" fill="#fdfbf5"/>
  <rect x="30" y="30" width="1140" height="790" fill="none" stroke="#1b263b" stroke-width="6"/>
  <text x="600" y="200" font-family="Georgia, serif" font-size="56" text-anchor="middle" fill="#1b263b">Certificate of Completion</text>
  <text x="600" y="330" font-family="Georgia, serif" font-size="28" text-anchor="middle">Awarded to learner {{x .UserID}}</text>
  <text x="600" y="400" font-family="Georgia, serif" font-size="28" text-anchor="middle">for completing course {{x .CourseID}}</text>
  <text x="600" y="470" font-family="Georgia, serif" font-size="24" text-anchor="middle">Issued on {{x .IssuedOn}}</text>
  <text x="600" y="720" font-family="monospace" font-size="16" text-anchor="middle" fill="#555">{{x .ID}}</text>
  <text x="600" y="750" font-family="monospace" font-size="12" text-anchor="middle" fill="#555">{{x .Algorithm}} {{x .Signature}}</text>
</svg>
`))
