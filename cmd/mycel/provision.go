package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mycel/internal/logging"
	"mycel/internal/store"
	"mycel/internal/types"
)

// provisionFile is the YAML shape `mycel provision` consumes: tenants
// with their rate limits, exploration overrides and policy sets.
type provisionFile struct {
	Tenants []struct {
		ID         string  `yaml:"id"`
		PlanTier   string  `yaml:"plan_tier"`
		Status     string  `yaml:"status"`
		Region     string  `yaml:"region"`
		RatePerMin int     `yaml:"rate_per_min"`
		Epsilon    float64 `yaml:"epsilon"`
		Policies   []struct {
			ID       string `yaml:"id"`
			Kind     string `yaml:"kind"`
			Priority int    `yaml:"priority"`
			Enabled  bool   `yaml:"enabled"`
			Rules    []struct {
				Path           string `yaml:"path"`
				Pattern        string `yaml:"pattern"`
				MaxSensitivity string `yaml:"max_sensitivity"`
				Action         string `yaml:"action"`
			} `yaml:"rules"`
		} `yaml:"policies"`
	} `yaml:"tenants"`
}

var provisionCmd = &cobra.Command{
	Use:   "provision <file>",
	Short: "Upsert tenants and policies from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return &configError{err: err}
		}
		defer func() { _ = log.Sync() }()

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return &configError{err: err}
		}
		var file provisionFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return &configError{err: fmt.Errorf("parse %s: %w", args[0], err)}
		}

		st, err := store.New(cmd.Context(), cfg.Store.DSN, log.Named("store"))
		if err != nil {
			return err
		}
		defer st.Close()

		tenants, policies := 0, 0
		for _, t := range file.Tenants {
			if t.ID == "" {
				return &configError{err: fmt.Errorf("tenant with empty id in %s", args[0])}
			}
			status := t.Status
			if status == "" {
				status = "active"
			}
			err := st.UpsertTenant(cmd.Context(), &types.Tenant{
				ID:         t.ID,
				PlanTier:   types.PlanTier(t.PlanTier),
				Status:     status,
				Region:     t.Region,
				RatePerMin: t.RatePerMin,
				Epsilon:    t.Epsilon,
			})
			if err != nil {
				return err
			}
			tenants++

			for _, p := range t.Policies {
				rules := make([]types.PolicyRule, len(p.Rules))
				for i, r := range p.Rules {
					rules[i] = types.PolicyRule{
						Path:           r.Path,
						Pattern:        r.Pattern,
						MaxSensitivity: types.Sensitivity(r.MaxSensitivity),
						Action:         types.PolicyAction(r.Action),
					}
				}
				err := st.UpsertPolicy(cmd.Context(), &types.Policy{
					ID:       p.ID,
					TenantID: t.ID,
					Kind:     types.PolicyKind(p.Kind),
					Rules:    rules,
					Priority: p.Priority,
					Enabled:  p.Enabled,
				})
				if err != nil {
					return err
				}
				policies++
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "provisioned %d tenant(s), %d policy(ies)\n", tenants, policies)
		return nil
	},
}
