package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mycel/internal/logging"
	"mycel/internal/security"
	"mycel/internal/store"
)

var (
	auditTenant string
	auditLimit  int
	auditPubKey string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Verify a tenant's audit log signatures",
	Long: `Loads a tenant's newest audit events and checks each Ed25519
signature against the given public key. Verification runs entirely
offline against the stored rows; a single bad signature fails the
command.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return &configError{err: err}
		}
		defer func() { _ = log.Sync() }()

		st, err := store.New(cmd.Context(), cfg.Store.DSN, log.Named("store"))
		if err != nil {
			return err
		}
		defer st.Close()

		events, err := st.ListAuditEvents(cmd.Context(), auditTenant, auditLimit)
		if err != nil {
			return err
		}

		bad := 0
		for _, ev := range events {
			if security.VerifyAuditEvent(auditPubKey, ev) {
				continue
			}
			bad++
			fmt.Fprintf(cmd.OutOrStdout(), "BAD  %s  %s  %s  key=%s\n",
				ev.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), ev.ID, ev.Action, ev.KeyID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d event(s) checked, %d bad\n", len(events), bad)
		if bad > 0 {
			return fmt.Errorf("%d audit event(s) failed signature verification", bad)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditTenant, "tenant", "", "tenant whose audit log to verify")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "newest events to check")
	auditCmd.Flags().StringVar(&auditPubKey, "public-key", "", "hex-encoded Ed25519 public key")
	_ = auditCmd.MarkFlagRequired("tenant")
	_ = auditCmd.MarkFlagRequired("public-key")
}
