package inspect

import (
	"encoding/json"
	"fmt"

	cmdUtil "github.com/litcodeur/luminardb/cmd/util"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/overlay"
	"github.com/spf13/cobra"
)

var (

	// InspectCmd represents the inspect command group
	InspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Read a LuminarDB data directory offline",
	}

	collectionsCmd = &cobra.Command{
		Use:   "collections",
		Short: "List the collections and indexes of a data directory",
		RunE:  runCollections,
	}

	rowsCmd = &cobra.Command{
		Use:   "rows [collection]",
		Short: "Dump the user-visible rows of a collection (base plus pending overlay)",
		Args:  cobra.ExactArgs(1),
		RunE:  runRows,
	}

	mutationsCmd = &cobra.Command{
		Use:   "mutations",
		Short: "List the pending mutation log",
		RunE:  runMutations,
	}

	cursorCmd = &cobra.Command{
		Use:   "cursor",
		Short: "Print the persisted pull cursor",
		RunE:  runCursor,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupDataFlags(InspectCmd)

	InspectCmd.AddCommand(collectionsCmd)
	InspectCmd.AddCommand(rowsCmd)
	InspectCmd.AddCommand(mutationsCmd)
	InspectCmd.AddCommand(cursorCmd)
}

// withOverlayTx opens the configured data directory and runs fn inside a
// read-only overlay transaction.
func withOverlayTx(cmd *cobra.Command, fn func(engine kv.IEngine, tx *overlay.Transaction) error) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	logger := cmdUtil.NewLogger()

	engine := cmdUtil.OpenEngine(logger)
	if err := engine.Initialize(cmd.Context()); err != nil {
		return err
	}
	defer engine.Close()

	kvTx, err := engine.Begin(cmd.Context(), kv.ReadOnly)
	if err != nil {
		return err
	}
	tx := overlay.NewTransaction(kvTx, logger)
	defer tx.Rollback()

	return fn(engine, tx)
}

func runCollections(cmd *cobra.Command, _ []string) error {
	return withOverlayTx(cmd, func(engine kv.IEngine, _ *overlay.Transaction) error {
		for _, schema := range engine.Schemas() {
			if kv.IsReservedCollection(schema.Name) {
				continue
			}
			fmt.Println(schema.Name)
			for _, idx := range schema.Indexes {
				flags := ""
				if idx.Unique {
					flags += " unique"
				}
				if idx.MultiEntry {
					flags += " multiEntry"
				}
				fmt.Printf("  index value.%s%s\n", idx.Field, flags)
			}
		}
		return nil
	})
}

func runRows(cmd *cobra.Command, args []string) error {
	return withOverlayTx(cmd, func(_ kv.IEngine, tx *overlay.Transaction) error {
		rows, err := tx.QueryAll(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, row := range rows {
			value, err := json.Marshal(row.Value)
			if err != nil {
				return err
			}
			fmt.Printf("%-24s %s\n", row.Key, value)
		}
		return nil
	})
}

func runMutations(cmd *cobra.Command, _ []string) error {
	return withOverlayTx(cmd, func(_ kv.IEngine, tx *overlay.Transaction) error {
		muts, err := tx.Mutations(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range muts {
			fmt.Printf("#%d %s completed=%t pushed=%t attempts=%d changes=%d",
				m.ID, m.Name, m.IsCompleted, m.IsPushed, m.RemotePushAttempts, len(m.Changes))
			if m.ServerMutationID != 0 {
				fmt.Printf(" serverMutationId=%d", m.ServerMutationID)
			}
			fmt.Println()
			for _, c := range m.Changes {
				fmt.Printf("  %s %s/%s\n", c.Type, c.CollectionName, c.Key)
			}
		}
		return nil
	})
}

func runCursor(cmd *cobra.Command, _ []string) error {
	return withOverlayTx(cmd, func(_ kv.IEngine, tx *overlay.Transaction) error {
		doc, ok, err := tx.KV().QueryByKey(cmd.Context(), kv.CollectionMeta, kv.StringKey("cursor"))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("<no cursor>")
			return nil
		}
		fmt.Printf("%v\n", doc["value"])
		return nil
	})
}
