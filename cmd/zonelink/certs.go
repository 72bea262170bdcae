package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"zonelink/pkg/auth"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func certsCmd() *cobra.Command {
	var caDir string

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage TLS certificates for zone endpoints",
	}
	cmd.PersistentFlags().StringVar(&caDir, "ca-dir", "./ca", "directory holding the zone CA")

	initCA := &cobra.Command{
		Use:   "init-ca ZONE",
		Short: "Create the zone CA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			validity, _ := cmd.Flags().GetDuration("validity")
			ca, err := auth.OpenZoneCA(caDir)
			if err != nil {
				return err
			}
			if ca.Certificate() != nil {
				return fmt.Errorf("a CA already exists in %s", caDir)
			}
			if err := ca.Generate(args[0], validity); err != nil {
				return err
			}
			fmt.Printf("Created CA for %s in %s\n", args[0], ca.CertPath())
			return nil
		},
	}
	initCA.Flags().Duration("validity", 10*365*24*time.Hour, "CA lifetime")

	var (
		hosts    []string
		outDir   string
		validity time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue ZONE",
		Short: "Issue an endpoint certificate signed by the zone CA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := auth.OpenZoneCA(caDir)
			if err != nil {
				return err
			}
			cert, key, err := ca.Issue(args[0], hosts, validity)
			if err != nil {
				return err
			}
			certPath := filepath.Join(outDir, args[0]+".crt")
			keyPath := filepath.Join(outDir, args[0]+".key")
			if err := auth.SaveCertificate(cert, key, certPath, keyPath); err != nil {
				return err
			}
			fmt.Printf("Wrote %s and %s\n", certPath, keyPath)
			return nil
		},
	}
	issue.Flags().StringSliceVar(&hosts, "host", []string{"localhost"}, "DNS name or IP the endpoint is reached at (repeatable)")
	issue.Flags().StringVar(&outDir, "out", ".", "output directory")
	issue.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate lifetime")

	var warn time.Duration
	info := &cobra.Command{
		Use:   "info CERT",
		Short: "Show a certificate and its expiry status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ci, err := auth.InspectCertificate(args[0], warn, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(renderCertificate(args[0], ci))
			return nil
		},
	}
	info.Flags().DurationVar(&warn, "warn", 30*24*time.Hour, "report certificates expiring sooner than this")

	cmd.AddCommand(initCA, issue, info)
	return cmd
}

func renderCertificate(path string, ci *auth.CertificateInfo) string {
	color := accentColor
	switch ci.Status {
	case "expiring":
		color = warningColor
	case "expired", "not-yet-valid":
		color = dangerColor
	}

	label := mutedStyle.Width(12)
	lines := []string{
		label.Render("Subject") + ci.Subject,
		label.Render("Issuer") + ci.Issuer,
		label.Render("Hosts") + strings.Join(ci.Hosts, ", "),
		label.Render("CA") + fmt.Sprintf("%t", ci.IsCA),
		label.Render("Expires") + ci.NotAfter.Format(time.RFC3339),
		label.Render("Status") + lipgloss.NewStyle().Foreground(color).Bold(true).Render(strings.ToUpper(ci.Status)),
	}
	return createPanel(path, strings.Join(lines, "\n"))
}
