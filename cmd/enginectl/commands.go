package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"learnhub-backend-go/internal/config"
	"learnhub-backend-go/internal/db"
	"learnhub-backend-go/internal/migrations"
	"learnhub-backend-go/internal/services"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

// loadConfig turns config.Load's missing-key panic into an error.
func loadConfig() (cfg config.Config, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return config.Load(), nil
}

type ctlEnv struct {
	cfg    config.Config
	db     *sqlx.DB
	ledger *services.PostgresLedger
}

func openEnv(ctx context.Context) (*ctlEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	return &ctlEnv{cfg: cfg, db: database, ledger: services.NewPostgresLedger(database)}, nil
}

func (rt *ctlEnv) Close() {
	_ = rt.db.Close()
}

func (rt *ctlEnv) cascade() (*services.Cascade, error) {
	certs, err := services.NewCertificateIssuer(services.CertificateConfig{
		Root:          rt.cfg.CertStoragePath,
		PublicBaseURL: rt.cfg.PublicBaseURL,
		Secret:        rt.cfg.CertSigningSecret,
		AllowUnsigned: rt.cfg.CertAllowUnsigned,
	}, rt.ledger)
	if err != nil {
		return nil, err
	}
	alerts := services.NewAlertRecorder(rt.ledger, nil)
	return &services.Cascade{Ledger: rt.ledger, Certificates: certs, Alerts: alerts}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	var dir string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if dir == "" {
				dir = rt.cfg.MigrationsDir
			}
			if dryRun {
				pending, err := migrations.Pending(cmd.Context(), rt.db, dir)
				if err != nil {
					return err
				}
				for _, mig := range pending {
					fmt.Println("pending", mig.Name)
				}
				fmt.Printf("%d pending\n", len(pending))
				return nil
			}
			applied, err := migrations.Apply(cmd.Context(), rt.db, dir)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migrations\n", len(applied))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory (default MIGRATIONS_DIR)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	return cmd
}

func recomputeCmd() *cobra.Command {
	var courseID, userID, cohortID string
	var force bool
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Recompute one learner's course enrollment from module progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			cascade, err := rt.cascade()
			if err != nil {
				return err
			}
			var outcome services.EnrollmentOutcome
			if force {
				outcome, err = cascade.CompleteEnrollment(cmd.Context(), courseID, userID, cohortID)
			} else {
				outcome, err = cascade.RecomputeEnrollment(cmd.Context(), courseID, userID, cohortID)
			}
			if err != nil {
				return err
			}
			return printJSON(outcome)
		},
	}
	cmd.Flags().StringVar(&courseID, "course", "", "course id")
	cmd.Flags().StringVar(&userID, "user", "", "learner id")
	cmd.Flags().StringVar(&cohortID, "cohort", "", "cohort id to mirror into")
	cmd.Flags().BoolVar(&force, "force", false, "mark completed regardless of progress")
	_ = cmd.MarkFlagRequired("course")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func repairCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Recompute enrollments that drifted behind their module progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			cascade, err := rt.cascade()
			if err != nil {
				return err
			}
			repaired, err := cascade.RepairDrift(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Printf("repaired %d enrollments\n", repaired)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum enrollments to repair")
	return cmd
}

func verifyCertCmd() *cobra.Command {
	var courseID, userID string
	cmd := &cobra.Command{
		Use:   "verify-cert",
		Short: "Check a learner's stored certificate against its signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			cascade, err := rt.cascade()
			if err != nil {
				return err
			}
			result, err := cascade.Certificates.Verify(cmd.Context(), courseID, userID)
			if err != nil {
				return err
			}
			if err := printJSON(result); err != nil {
				return err
			}
			if !result.Valid {
				return errors.New("certificate invalid: " + result.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&courseID, "course", "", "course id")
	cmd.Flags().StringVar(&userID, "user", "", "learner id")
	_ = cmd.MarkFlagRequired("course")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID, email string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for testing or service accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tokens := services.TokenService{
				Secret:    []byte(cfg.JWTSecret),
				Issuer:    cfg.JWTIssuer,
				AccessTTL: time.Duration(cfg.AccessTTLSeconds) * time.Second,
			}
			if ttl > 0 {
				tokens.AccessTTL = ttl
			}
			token, expiresAt, err := tokens.CreateAccessToken(userID, email, roles)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"access_token": token, "expires_at": expiresAt})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "subject user id")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default ACCESS_TTL_SECONDS)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func hashAdminTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-admin-token [token]",
		Short: "Print an ADMIN_TOKEN_HASH value for the given token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := services.HashSecret(args[0])
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}
