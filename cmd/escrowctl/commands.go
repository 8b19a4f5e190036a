package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type clientFactory func() *client

// record is a loosely typed escrow or payment as returned by the API.
type record map[string]any

func (r record) str(key string) string {
	if v, ok := r[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func expireCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:       "expire [escrows|payments]",
		Short:     "Run the expiry sweep now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"escrows", "payments"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]
			if kind != "escrows" && kind != "payments" {
				return fmt.Errorf("unknown target %q (want escrows or payments)", kind)
			}
			var resp struct {
				ExpiredCount int `json:"expiredCount"`
			}
			if err := newClient().do(cmd.Context(), http.MethodPost, "/v1/admin/"+kind+"/expire", &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d %s\n", resp.ExpiredCount, kind)
			return nil
		},
	}
}

func eventsCmd(newClient clientFactory) *cobra.Command {
	var (
		asJSON bool
		after  int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "events [escrow-id]",
		Short: "Print an escrow's event log, or the global feed without an id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Events []record `json:"events"`
				Next   int64    `json:"next"`
			}
			path := fmt.Sprintf("/v1/admin/events?after=%d&limit=%d", after, limit)
			if len(args) == 1 {
				path = "/v1/admin/escrows/" + url.PathEscape(args[0]) + "/events"
			}
			if err := newClient().do(cmd.Context(), http.MethodGet, path, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, resp.Events)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tESCROW\tTYPE\tACTOR\tDETAILS")
			for _, e := range resp.Events {
				details, _ := json.Marshal(e["details"])
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.str("id"), e.str("createdAt"), e.str("escrowId"), e.str("eventType"), e.str("actor"), details)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if len(args) == 0 && len(resp.Events) > 0 {
				fmt.Fprintf(out, "next: --after %d\n", resp.Next)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	cmd.Flags().Int64Var(&after, "after", 0, "Feed only: start after this event id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Feed only: maximum events")
	return cmd
}

func retryFeeCmd(newClient clientFactory) *cobra.Command {
	var payment bool
	cmd := &cobra.Command{
		Use:   "retry-fee [id]",
		Short: "Send a deferred platform fee leg",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, key := "escrows", "escrow"
			if payment || strings.HasPrefix(args[0], "pay_") {
				kind, key = "payments", "payment"
			}
			rec, err := postRecord(cmd, newClient(), "/v1/admin/"+kind+"/"+url.PathEscape(args[0])+"/retry-fee", key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fee leg sent for %s: %s\n", rec.str("id"), rec.str("feeTxHash"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&payment, "payment", false, "Treat id as a payment")
	return cmd
}

func retrySettlementCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-settlement [escrow-id]",
		Short: "Re-run a release or refund whose forward failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := postRecord(cmd, newClient(), "/v1/admin/escrows/"+url.PathEscape(args[0])+"/retry-settlement", "escrow")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: settlement tx %s\n", rec.str("id"), rec.str("status"), rec.str("settlementTxHash"))
			return nil
		},
	}
}

func retryForwardCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-forward [payment-id]",
		Short: "Re-run a failed merchant forward",
		Long: `Re-run a failed merchant forward under a new generation.

Check the chain for the previous forward transaction first: a retry signs a
fresh transaction and cannot detect one that was broadcast but not recorded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := postRecord(cmd, newClient(), "/v1/admin/payments/"+url.PathEscape(args[0])+"/retry-forward", "payment")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: forward tx %s\n", rec.str("id"), rec.str("status"), rec.str("forwardTxHash"))
			return nil
		},
	}
}

func failedForwardsCmd(newClient clientFactory) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed-forwards [chain]",
		Short: "List paid payments whose merchant forward failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"chain": {args[0]}, "limit": {fmt.Sprint(limit)}}
			var resp struct {
				Payments []record `json:"payments"`
			}
			if err := newClient().do(cmd.Context(), http.MethodGet, "/v1/admin/payments/failed?"+q.Encode(), &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAMOUNT\tMERCHANT\tLAST ERROR")
			for _, p := range resp.Payments {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.str("id"), p.str("depositedAmount"), p.str("merchantAddress"), p.str("lastError"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum results")
	return cmd
}

func reconcileCmd(newClient clientFactory) *cobra.Command {
	var asJSON, last bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a reconciliation pass and print mismatches",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Healthy   bool   `json:"healthy"`
				LastError string `json:"lastError"`
				Report    struct {
					Checked    int           `json:"checked"`
					Duration   time.Duration `json:"duration"`
					Mismatches []record      `json:"mismatches"`
				} `json:"report"`
			}
			method := http.MethodPost
			if last {
				method = http.MethodGet
			}
			if err := newClient().do(cmd.Context(), method, "/v1/admin/reconcile", &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, resp.Report)
			}
			if resp.LastError != "" {
				fmt.Fprintf(out, "last scheduled pass failed: %s\n", resp.LastError)
			}
			fmt.Fprintf(out, "checked %d escrows in %s\n", resp.Report.Checked, resp.Report.Duration)
			if resp.Healthy {
				fmt.Fprintln(out, "no mismatches")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ESCROW\tCHAIN\tKIND\tDETAIL")
			for _, m := range resp.Report.Mismatches {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.str("escrowId"), m.str("chain"), m.str("kind"), m.str("detail"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return fmt.Errorf("%d mismatches", len(resp.Report.Mismatches))
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	cmd.Flags().BoolVar(&last, "last", false, "Show the latest scheduled pass instead of running one")
	return cmd
}

func monitorsCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "monitors",
		Short: "Show per-chain monitor status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Monitors []record `json:"monitors"`
			}
			if err := newClient().do(cmd.Context(), http.MethodGet, "/v1/admin/monitors", &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHAIN\tHEALTHY\tBREAKER\tLAST TICK\tERROR")
			for _, m := range resp.Monitors {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.str("chain"), m.str("healthy"), m.str("breaker"), m.str("lastTick"), m.str("error"))
			}
			return w.Flush()
		},
	}
}

func postRecord(cmd *cobra.Command, c *client, path, key string) (record, error) {
	var resp map[string]record
	if err := c.do(cmd.Context(), http.MethodPost, path, &resp); err != nil {
		return nil, err
	}
	rec, ok := resp[key]
	if !ok {
		return nil, fmt.Errorf("response has no %q field", key)
	}
	return rec, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
