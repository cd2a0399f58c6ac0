package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/litcodeur/luminardb/cmd/util"
	"github.com/litcodeur/luminardb/lib/condition"
	"github.com/litcodeur/luminardb/lib/database"
	"github.com/litcodeur/luminardb/lib/query"
	"github.com/litcodeur/luminardb/rpc/client"
	"github.com/litcodeur/luminardb/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (

	// WatchCmd represents the watch command
	WatchCmd = &cobra.Command{
		Use:   "watch [collection]",
		Short: "Tail a live query, printing incremental changes",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupDataFlags(WatchCmd)

	key := "where"
	WatchCmd.Flags().String(key, "", cmdUtil.WrapString("Optional filter in the form field:comparator:value (comparator is one of eq, gt, gte, lt, lte)"))

	key = "remote"
	WatchCmd.Flags().String(key, "", cmdUtil.WrapString("Optional sync remote; when set, scheduled pulls keep the view fresh"))

	key = "db-name"
	WatchCmd.Flags().String(key, "luminar", cmdUtil.WrapString("Logical database name (used for advisory lock keys)"))
}

func run(cmd *cobra.Command, args []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	logger := cmdUtil.NewLogger()

	filter, err := parseWhere(viper.GetString("where"))
	if err != nil {
		return err
	}

	opts := []database.Option{database.WithLogger(logger)}
	if remote := viper.GetString("remote"); remote != "" {
		httpClient := client.New(common.DefaultClientConfig(remote), nil, logger)
		opts = append(opts, database.WithPuller(httpClient.Puller()))
	}

	db := database.New(viper.GetString("db-name"), cmdUtil.OpenEngine(logger), opts...)
	if err := db.Initialize(cmd.Context()); err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := db.Collection(args[0]).GetAll(filter)

	rows, err := q.Execute(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		printRow("=", row.Key.String(), row.Value)
	}

	unsubscribe := q.Watch(ctx, func(changes []query.ResultChange) {
		for _, change := range changes {
			printRow(marker(change), change.Key.String(), change.Value)
		}
	})
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

func marker(change query.ResultChange) string {
	switch change.Type.String() {
	case "INSERT":
		return "+"
	case "DELETE":
		return "-"
	default:
		return "~"
	}
}

func printRow(prefix, key string, value map[string]any) {
	encoded, err := json.Marshal(value)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", value))
	}
	fmt.Printf("%s %-24s %s\n", prefix, key, encoded)
}

// parseWhere turns "field:comparator:value" into a condition. Numeric
// values are detected; everything else stays a string.
func parseWhere(raw string) (*condition.Condition, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid --where %q, expected field:comparator:value", raw)
	}

	var value any = parts[2]
	var num float64
	if _, err := fmt.Sscanf(parts[2], "%g", &num); err == nil && fmt.Sprintf("%g", num) == parts[2] {
		value = num
	}
	return condition.New(parts[0], condition.Comparator(parts[1]), value)
}
