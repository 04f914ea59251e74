package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bluegate/internal/grants"
)

// grantsCmd inspects and edits the selection journal.
var grantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "Inspect the device selection journal",
	Long: `Inspect and edit the journal of resolved device selections.

Every selection a client resolves through the chooser is recorded as
(origin, device). The journal is operator bookkeeping: revoking an entry
does not sever live connections, it only clears the record.`,
}

var grantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled selections",
	RunE:  runGrantsList,
}

var grantsRevokeCmd = &cobra.Command{
	Use:   "revoke <origin> [address]",
	Short: "Remove journaled selections for an origin",
	Long: `Remove the journaled selection for (origin, address), or every
selection of the origin when no address is given.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runGrantsRevoke,
}

func init() {
	grantsCmd.AddCommand(grantsListCmd)
	grantsCmd.AddCommand(grantsRevokeCmd)
}

func openGrants(cmd *cobra.Command) (*grants.Store, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.GrantsDB == "" {
		return nil, fmt.Errorf("no grants_db configured; set it in the config file")
	}
	return grants.Open(cfg.GrantsDB)
}

func runGrantsList(cmd *cobra.Command, args []string) error {
	store, err := openGrants(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	cmd.SilenceUsage = true

	list, err := store.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No selections journaled")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ORIGIN\tADDRESS\tNAME\tGRANTED")
	for _, g := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", g.Origin, g.Address, g.Name, g.GrantedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runGrantsRevoke(cmd *cobra.Command, args []string) error {
	store, err := openGrants(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	cmd.SilenceUsage = true

	address := ""
	if len(args) == 2 {
		address = args[1]
	}
	n, err := store.Revoke(args[0], address)
	if err != nil {
		return err
	}
	fmt.Printf("Revoked %d selection(s)\n", n)
	return nil
}
