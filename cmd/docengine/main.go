// Package main contains the cli implementation of the tool. It uses cobra
// package for cli tool implementation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docengine/internal/backend"
	"docengine/internal/backend/mysqlbackend"
	"docengine/internal/backend/sqlitebackend"
	"docengine/internal/keypath"
	"docengine/internal/provider"
	"docengine/internal/schema"
	"docengine/internal/storeapi"
)

type commonFlags struct {
	schemaFile   string
	dsn          string
	backendKind  string
	wipeIfExists bool
}

type getPutFlags struct {
	commonFlags
	store string
}

type queryFlags struct {
	commonFlags
	store      string
	index      string
	key        string
	low        string
	high       string
	fullText   string
	resolution string
	limit      int
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "docengine",
		Short: "Embeddable document-store engine CLI",
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(putCmd())
	rootCmd.AddCommand(queryCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCommonFlags(cmd *cobra.Command, flags *commonFlags) {
	cmd.Flags().StringVarP(&flags.schemaFile, "schema", "s", "", "Path to the TOML schema document (required)")
	cmd.Flags().StringVar(&flags.dsn, "dsn", "", "Backend data source name (file path for sqlite, user:pass@tcp(host:port)/db for mysql)")
	cmd.Flags().StringVar(&flags.backendKind, "backend", "sqlite", "Backend kind: sqlite or mysql")
	cmd.Flags().BoolVar(&flags.wipeIfExists, "wipe-if-exists", false, "Force a full wipe-and-recreate migration")
	_ = cmd.MarkFlagRequired("schema")
}

func openDatabase(ctx context.Context, flags commonFlags) (*provider.Database, error) {
	dbSchema, err := schema.ParseTOMLFile(flags.schemaFile)
	if err != nil {
		return nil, err
	}

	var candidates []backend.Backend
	switch flags.backendKind {
	case "mysql":
		candidates = []backend.Backend{mysqlbackend.New(flags.dsn)}
	case "sqlite", "":
		candidates = sqlitebackend.Candidates(flags.dsn)
	default:
		return nil, fmt.Errorf("unknown --backend %q", flags.backendKind)
	}

	log, _ := zap.NewProduction()
	return provider.Open(ctx, candidates, dbSchema, flags.wipeIfExists, log)
}

func migrateCmd() *cobra.Command {
	flags := &commonFlags{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Open a backend and run the migration plan for a schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDatabase(cmd.Context(), *flags)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(cmd.Context()) }()
			fmt.Println("migration complete")
			return nil
		},
	}
	addCommonFlags(cmd, flags)
	return cmd
}

func inspectCmd() *cobra.Command {
	flags := &commonFlags{}
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the stores and indexes defined by a schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dbSchema, err := schema.ParseTOMLFile(flags.schemaFile)
			if err != nil {
				return err
			}
			fmt.Printf("version %d\n", dbSchema.Version)
			for _, ss := range dbSchema.Stores {
				fmt.Printf("store %q (pk %s)\n", ss.Name, strings.Join(ss.PrimaryKeyPath, "."))
				for _, idx := range ss.Indexes {
					fmt.Printf("  index %q keyPath=%s multiEntry=%v fullText=%v unique=%v\n",
						idx.Name, strings.Join(idx.KeyPath, "."), idx.MultiEntry, idx.FullText, idx.Unique)
				}
			}
			return nil
		},
	}
	addCommonFlags(cmd, flags)
	return cmd
}

func getCmd() *cobra.Command {
	flags := &getPutFlags{}
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch one item from a store by primary key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDatabase(ctx, flags.commonFlags)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(ctx) }()

			tx, err := db.BeginTransaction(ctx, []string{flags.store}, false)
			if err != nil {
				return err
			}
			store, err := tx.OpenStore(flags.store)
			if err != nil {
				_ = tx.Abort(err)
				return err
			}
			item, found, err := store.Get(ctx, args[0])
			if err != nil {
				_ = tx.Abort(err)
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			if !found {
				fmt.Println("not found")
				return nil
			}
			return printItem(item)
		},
	}
	addCommonFlags(cmd, &flags.commonFlags)
	cmd.Flags().StringVar(&flags.store, "store", "", "Store name (required)")
	_ = cmd.MarkFlagRequired("store")
	return cmd
}

func putCmd() *cobra.Command {
	flags := &getPutFlags{}
	cmd := &cobra.Command{
		Use:   "put <json-item>",
		Short: "Insert or replace one JSON item in a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var item keypath.Item
			if err := json.Unmarshal([]byte(args[0]), &item); err != nil {
				return fmt.Errorf("parsing item: %w", err)
			}

			ctx := cmd.Context()
			db, err := openDatabase(ctx, flags.commonFlags)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(ctx) }()

			tx, err := db.BeginTransaction(ctx, []string{flags.store}, true)
			if err != nil {
				return err
			}
			store, err := tx.OpenStore(flags.store)
			if err != nil {
				_ = tx.Abort(err)
				return err
			}
			if err := store.Put(ctx, []keypath.Item{item}); err != nil {
				_ = tx.Abort(err)
				return err
			}
			return tx.Commit()
		},
	}
	addCommonFlags(cmd, &flags.commonFlags)
	cmd.Flags().StringVar(&flags.store, "store", "", "Store name (required)")
	_ = cmd.MarkFlagRequired("store")
	return cmd
}

func queryCmd() *cobra.Command {
	flags := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query a store's index: getAll, getOnly, getRange, or fullTextSearch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQuery(cmd.Context(), flags)
		},
	}
	addCommonFlags(cmd, &flags.commonFlags)
	cmd.Flags().StringVar(&flags.store, "store", "", "Store name (required)")
	cmd.Flags().StringVar(&flags.index, "index", "", "Index name (empty means the primary key index)")
	cmd.Flags().StringVar(&flags.key, "key", "", "Exact key for getOnly")
	cmd.Flags().StringVar(&flags.low, "low", "", "Lower range bound for getRange")
	cmd.Flags().StringVar(&flags.high, "high", "", "Upper range bound for getRange")
	cmd.Flags().StringVar(&flags.fullText, "full-text", "", "Full-text search phrase")
	cmd.Flags().StringVar(&flags.resolution, "resolution", "and", "Full-text term resolution: and or or")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "Result limit (0 means unlimited)")
	_ = cmd.MarkFlagRequired("store")
	return cmd
}

func runQuery(ctx context.Context, flags *queryFlags) error {
	db, err := openDatabase(ctx, flags.commonFlags)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(ctx) }()

	tx, err := db.BeginTransaction(ctx, []string{flags.store}, false)
	if err != nil {
		return err
	}
	idx, err := tx.OpenIndex(flags.store, flags.index)
	if err != nil {
		_ = tx.Abort(err)
		return err
	}

	items, err := queryIndex(ctx, idx, flags)
	if err != nil {
		_ = tx.Abort(err)
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, item := range items {
		if err := printItem(item); err != nil {
			return err
		}
	}
	return nil
}

func queryIndex(ctx context.Context, idx storeapi.Index, flags *queryFlags) ([]keypath.Item, error) {
	switch {
	case flags.fullText != "":
		resolution := storeapi.ResolutionAnd
		if strings.EqualFold(flags.resolution, "or") {
			resolution = storeapi.ResolutionOr
		}
		return idx.FullTextSearch(ctx, flags.fullText, resolution, flags.limit)
	case flags.key != "":
		return idx.GetOnly(ctx, flags.key, storeapi.OrderForward, flags.limit, 0)
	case flags.low != "" || flags.high != "":
		return idx.GetRange(ctx, orNil(flags.low), orNil(flags.high), false, false, storeapi.OrderForward, flags.limit, 0)
	default:
		return idx.GetAll(ctx, storeapi.OrderForward, flags.limit, 0)
	}
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func printItem(item keypath.Item) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
