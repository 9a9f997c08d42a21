package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// reserve command flags
	rsTenantID  string
	rsUserID    string
	rsDedicated bool
	// release command flags
	rlTenantID string
)

func init() {
	reserveCmd.Flags().StringVar(&rsTenantID, "tenant-id", "", "Tenant identifier (required)")
	reserveCmd.Flags().StringVar(&rsUserID, "user-id", "", "User identifier (required)")
	reserveCmd.Flags().BoolVar(&rsDedicated, "dedicated", false, "Request a dedicated slot")
	_ = reserveCmd.MarkFlagRequired("tenant-id")
	_ = reserveCmd.MarkFlagRequired("user-id")

	releaseCmd.Flags().StringVar(&rlTenantID, "tenant-id", "", "Tenant identifier (required)")
	_ = releaseCmd.MarkFlagRequired("tenant-id")
}

var reserveCmd = &cobra.Command{
	Use:   "reserve",
	Short: "Reserve a slot for a tenant",
	Long: `Reserve a slot for a tenant. The response includes the slot endpoint and
freshly issued credentials; reserving again for the same tenant returns the
existing allocation.

Examples:
  # Reserve a pool slot
  poolctl reserve --tenant-id acme --user-id alice

  # Request a dedicated slot
  poolctl reserve --tenant-id acme --user-id alice --dedicated`,
	RunE: runReserve,
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release a tenant's slot",
	Long: `Release the slot held by a tenant. Cleanup of the tenant's dependent
resources runs before the slot returns to the pool; partial failures
quarantine the slot and are listed in the output.

Examples:
  # Release a tenant's slot
  poolctl release --tenant-id acme`,
	RunE: runRelease,
}

var statusCmd = &cobra.Command{
	Use:   "status <slot-id|tenant-id>",
	Short: "Show slot state",
	Long: `Show the state of a slot, looked up by slot ID or by the tenant holding it.

Examples:
  # By slot ID
  poolctl status slot-1a2b3c4d

  # By tenant
  poolctl status acme`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run a reconciliation audit",
	Long: `Run a reconciliation audit over every slot record. Safe drift is repaired
automatically; ambiguous records are reported for operator review.

Examples:
  poolctl audit
  poolctl audit --json`,
	RunE: runAudit,
}

var remediateCmd = &cobra.Command{
	Use:   "remediate <slot-id>",
	Short: "Re-run cleanup for a quarantined slot",
	Long: `Re-run the cleanup sequence for a slot in maintenance. On success the slot
returns to the pool (or is destroyed, for dedicated slots).

Examples:
  poolctl remediate slot-1a2b3c4d`,
	Args: cobra.ExactArgs(1),
	RunE: runRemediate,
}

type reserveResponse struct {
	SlotID      string `json:"slot_id"`
	Type        string `json:"type"`
	Endpoint    string `json:"endpoint"`
	Credentials struct {
		PrincipalIdentity string    `json:"principal_identity"`
		SecretMaterial    string    `json:"secret_material"`
		IssuedAt          time.Time `json:"issued_at"`
	} `json:"credentials"`
}

type releaseResponse struct {
	SlotID          string `json:"slot_id"`
	Success         bool   `json:"success"`
	Details         string `json:"details"`
	PartialFailures []struct {
		Step  string `json:"step"`
		Error string `json:"error"`
	} `json:"partial_failures"`
}

type statusResponse struct {
	SlotID         string `json:"slot_id"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	TenantID       string `json:"tenant_id"`
	Endpoint       string `json:"endpoint"`
	CredentialsRef string `json:"credentials_ref"`
}

type auditResponse struct {
	CheckedAt  time.Time `json:"checked_at"`
	Scanned    int       `json:"scanned"`
	DriftFound int       `json:"drift_found"`
	Repaired   int       `json:"repaired"`
	Findings   []struct {
		SlotID string `json:"slot_id"`
		Issue  string `json:"issue"`
		Action string `json:"action"`
	} `json:"findings"`
}

func runReserve(cmd *cobra.Command, args []string) error {
	raw, err := call(http.MethodPost, "/api/v1/reserve", map[string]any{
		"tenant_id":        rsTenantID,
		"user_id":          rsUserID,
		"prefer_dedicated": rsDedicated,
	})
	if err != nil {
		return err
	}
	if outputJSON {
		return printRaw(raw)
	}

	var resp reserveResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Reserved %s slot %s\n", resp.Type, resp.SlotID)
	fmt.Printf("  Endpoint:  %s\n", resp.Endpoint)
	fmt.Printf("  Principal: %s\n", resp.Credentials.PrincipalIdentity)
	fmt.Printf("  Secret:    %s\n", resp.Credentials.SecretMaterial)
	return nil
}

func runRelease(cmd *cobra.Command, args []string) error {
	raw, err := call(http.MethodPost, "/api/v1/release", map[string]any{
		"tenant_id": rlTenantID,
	})
	if err != nil {
		return err
	}
	if outputJSON {
		return printRaw(raw)
	}

	var resp releaseResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if resp.Success {
		fmt.Printf("Released slot %s\n", resp.SlotID)
		if resp.Details != "" {
			fmt.Printf("  %s\n", resp.Details)
		}
		return nil
	}

	fmt.Printf("Release of slot %s incomplete, slot quarantined\n", resp.SlotID)
	for _, f := range resp.PartialFailures {
		fmt.Printf("  %-16s %s\n", f.Step, f.Error)
	}
	fmt.Println("Fix the failing collaborators, then run: poolctl remediate", resp.SlotID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	raw, err := call(http.MethodGet, "/api/v1/status/"+args[0], nil)
	if err != nil {
		return err
	}
	if outputJSON {
		return printRaw(raw)
	}

	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Slot:\t%s\n", resp.SlotID)
	fmt.Fprintf(w, "Type:\t%s\n", resp.Type)
	fmt.Fprintf(w, "Status:\t%s\n", resp.Status)
	if resp.TenantID != "" {
		fmt.Fprintf(w, "Tenant:\t%s\n", resp.TenantID)
	}
	if resp.Endpoint != "" {
		fmt.Fprintf(w, "Endpoint:\t%s\n", resp.Endpoint)
	}
	if resp.CredentialsRef != "" {
		fmt.Fprintf(w, "Credentials:\t%s\n", resp.CredentialsRef)
	}
	return w.Flush()
}

func runAudit(cmd *cobra.Command, args []string) error {
	raw, err := call(http.MethodPost, "/api/v1/audit", nil)
	if err != nil {
		return err
	}
	if outputJSON {
		return printRaw(raw)
	}

	var resp auditResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Audited %d slots: %d drifted, %d repaired\n",
		resp.Scanned, resp.DriftFound, resp.Repaired)
	if len(resp.Findings) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tACTION\tISSUE")
	for _, f := range resp.Findings {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.SlotID, f.Action, f.Issue)
	}
	return w.Flush()
}

func runRemediate(cmd *cobra.Command, args []string) error {
	raw, err := call(http.MethodPost, "/api/v1/slots/"+args[0]+"/remediate", nil)
	if err != nil {
		return err
	}
	if outputJSON {
		return printRaw(raw)
	}

	var resp releaseResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if resp.Success {
		fmt.Printf("Slot %s remediated\n", resp.SlotID)
		if resp.Details != "" {
			fmt.Printf("  %s\n", resp.Details)
		}
		return nil
	}

	fmt.Printf("Remediation of slot %s failed, slot remains quarantined\n", resp.SlotID)
	for _, f := range resp.PartialFailures {
		fmt.Printf("  %-16s %s\n", f.Step, f.Error)
	}
	return nil
}
