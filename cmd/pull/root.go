package pull

import (
	"fmt"

	cmdUtil "github.com/litcodeur/luminardb/cmd/util"
	"github.com/litcodeur/luminardb/lib/database"
	"github.com/litcodeur/luminardb/rpc/client"
	"github.com/litcodeur/luminardb/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (

	// PullCmd represents the pull command
	PullCmd = &cobra.Command{
		Use:   "pull",
		Short: "Run one pull against an HTTP sync remote",
		Long:  "Open the data directory, fetch authoritative changes from the remote since the persisted cursor, apply them, and exit. Configuration can also be set via environment variables in the form LUMINAR_<flag> (e.g. LUMINAR_REMOTE=https://sync.example.com).",
		RunE:  run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupDataFlags(PullCmd)

	key := "remote"
	PullCmd.Flags().String(key, "http://localhost:8080", cmdUtil.WrapString("Base URL of the sync remote"))

	key = "db-name"
	PullCmd.Flags().String(key, "luminar", cmdUtil.WrapString("Logical database name (used for advisory lock keys)"))
}

func run(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	logger := cmdUtil.NewLogger()

	httpClient := client.New(common.DefaultClientConfig(viper.GetString("remote")), nil, logger)

	db := database.New(viper.GetString("db-name"), cmdUtil.OpenEngine(logger),
		database.WithLogger(logger),
		database.WithPuller(httpClient.Puller()),
	)
	if err := db.Initialize(cmd.Context()); err != nil {
		return err
	}
	defer db.Close()

	if err := db.Pull(cmd.Context()); err != nil {
		return err
	}

	pending, err := db.PendingMutationsCount(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("pull complete, %d pending mutation(s) remain\n", pending)
	return nil
}
