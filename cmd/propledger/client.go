package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"propledger/internal/config"
	"propledger/pkg/api"
	"propledger/pkg/client"
	"propledger/pkg/client/session"
)

func (a *app) sessionStorage(cfg config.Config) (*session.FileStorage, error) {
	path := cfg.Client.SessionFile
	if path == "" {
		var err error
		if path, err = session.DefaultPath(); err != nil {
			return nil, fmt.Errorf("locate session file: %w", err)
		}
	}
	return session.NewFileStorage(path), nil
}

func (a *app) loginCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and save the session for later commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if email == "" {
				return errors.New("--email is required")
			}
			if password == "" {
				line, err := bufio.NewReader(a.in).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("password required: pass --password or pipe it on stdin")
				}
				password = strings.TrimRight(line, "\r\n")
			}
			c, err := client.New(cfg.Client.ServerURL)
			if err != nil {
				return err
			}
			resp, err := c.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			store, err := a.sessionStorage(cfg)
			if err != nil {
				return err
			}
			if err := store.Save(cmd.Context(), session.New(cfg.Client.ServerURL, resp, time.Now())); err != nil {
				return err
			}
			a.log.Debug("session saved", zap.String("path", store.Path()))
			fmt.Fprintf(a.out, "logged in as %s (tenant %s, role %s) until %s\n",
				resp.User.Email, resp.User.TenantID, resp.User.Role, resp.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (read from stdin when empty)")
	return a.withFlags(cmd, clientKeys...)
}

func (a *app) logoutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			store, err := a.sessionStorage(cfg)
			if err != nil {
				return err
			}
			return store.Clear(cmd.Context())
		},
	}
	return a.withFlags(cmd, clientKeys...)
}

func (a *app) revenueCommand() *cobra.Command {
	var (
		propertyID  string
		month, year int
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "revenue",
		Short: "Print the dashboard summary, or one property's revenue with --property",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if (month == 0) != (year == 0) {
				return errors.New("--month and --year must be given together")
			}
			if month != 0 && propertyID == "" {
				return errors.New("--month requires --property")
			}
			c, s, err := a.restore(cmd, cfg)
			if err != nil {
				return err
			}
			c = c.WithToken(s.AccessToken)

			var out any
			switch {
			case propertyID == "":
				out, err = c.DashboardSummary(cmd.Context())
			case month == 0:
				out, err = c.TotalRevenue(cmd.Context(), propertyID)
			default:
				out, err = c.MonthlyRevenue(cmd.Context(), propertyID, month, year)
			}
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			return a.printRevenue(out)
		},
	}
	cmd.Flags().StringVar(&propertyID, "property", "", "property id")
	cmd.Flags().IntVar(&month, "month", 0, "calendar month (1-12)")
	cmd.Flags().IntVar(&year, "year", 0, "calendar year")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return a.withFlags(cmd, clientKeys...)
}

// restore returns a client for the saved session's server and the restored
// session. An explicit --server or PROPLEDGER_SERVER overrides the saved server.
func (a *app) restore(cmd *cobra.Command, cfg config.Config) (*client.Client, session.Session, error) {
	ctx := cmd.Context()
	store, err := a.sessionStorage(cfg)
	if err != nil {
		return nil, session.Session{}, err
	}
	server := cfg.Client.ServerURL
	_, fromEnv := os.LookupEnv(config.EnvPrefix + "_SERVER")
	explicit := cmd.Flags().Changed(config.KeyServerURL) || fromEnv
	if saved, err := store.Load(ctx); err == nil && saved.Server != "" && !explicit {
		server = saved.Server
	}
	c, err := client.New(server)
	if err != nil {
		return nil, session.Session{}, err
	}
	r := session.NewRecoverer(store, session.ClientValidator(c),
		session.WithTimeout(cfg.Client.RestoreTimeout),
		session.WithLogger(a.log),
	)
	s, err := r.Restore(ctx)
	switch {
	case err == nil:
		return c, s, nil
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrSessionExpired), errors.Is(err, session.ErrSessionRejected):
		return nil, session.Session{}, fmt.Errorf("%w; run `propledger login`", err)
	default:
		return nil, session.Session{}, err
	}
}

func (a *app) printRevenue(v any) error {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	switch r := v.(type) {
	case api.DashboardSummary:
		fmt.Fprintf(tw, "PROPERTY\tNAME\tCURRENCY\tTOTAL\tROUNDED\tRESERVATIONS\tSOURCE\n")
		for _, p := range r.Properties {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", p.PropertyID, p.Name, p.Currency, p.Total, p.TotalRounded, p.Count, p.Source)
		}
		for _, t := range r.Totals {
			fmt.Fprintf(tw, "TOTAL\t\t%s\t%s\t%s\t\t\n", t.Currency, t, t.Rounded())
		}
	case api.RevenueSummary:
		fmt.Fprintf(tw, "PROPERTY\tPERIOD\tCURRENCY\tTOTAL\tROUNDED\tRESERVATIONS\tSOURCE\n")
		period := "all"
		if r.Period != nil {
			period = fmt.Sprintf("%04d-%02d", r.Period.Year, r.Period.Month)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", r.PropertyID, period, r.Currency, r.Total, r.TotalRounded, r.Count, r.Source)
	default:
		return fmt.Errorf("unexpected response %T", v)
	}
	return tw.Flush()
}
