package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostage/internal/observability"
	"github.com/3leaps/gostage/pkg/replica"
	"github.com/3leaps/gostage/pkg/sqlstore"
	"github.com/3leaps/gostage/pkg/source"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage replica catalogs",
	Long: `Manage replica catalogs.

Text catalogs hold one location per line:

  <lfn> <pfn> [key=value ...]

SQLite catalogs are created by import and can be named in a plan manifest
with type: sqlite.`,
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <catalog.txt>",
	Short: "Import a text catalog into a SQLite catalog",
	Long: `Import a text replica catalog into a SQLite (or libsql) catalog.

The source may be a local path, a file:// URI, or an s3:// URI.

Example:
  gostage catalog import --db replicas.db rc.txt
  gostage catalog import --url libsql://rc.turso.io s3://bucket/rc.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runCatalogImport,
}

var catalogLookupCmd = &cobra.Command{
	Use:   "lookup <lfn>...",
	Short: "Look up logical files in a catalog",
	Long: `Look up logical files and print their locations in text catalog format.

Example:
  gostage catalog lookup --db replicas.db f.a f.b
  gostage catalog lookup --file rc.txt f.a`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCatalogLookup,
}

var (
	catalogDB        string
	catalogURL       string
	catalogAuthToken string
	catalogFile      string
)

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogImportCmd)
	catalogCmd.AddCommand(catalogLookupCmd)

	catalogCmd.PersistentFlags().StringVar(&catalogDB, "db", "", "Path to SQLite catalog")
	catalogCmd.PersistentFlags().StringVar(&catalogURL, "url", "", "libsql catalog URL")
	catalogCmd.PersistentFlags().StringVar(&catalogAuthToken, "auth-token", "", "libsql auth token")
	catalogLookupCmd.Flags().StringVar(&catalogFile, "file", "", "Text catalog to search instead of a database")
}

func catalogDBConfig() (sqlstore.Config, error) {
	if catalogDB == "" && catalogURL == "" {
		return sqlstore.Config{}, errors.New("one of --db or --url is required")
	}
	return sqlstore.Config{Path: catalogDB, URL: catalogURL, AuthToken: catalogAuthToken}, nil
}

func runCatalogImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := catalogDBConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "No catalog database", err)
	}

	mem, err := readTextCatalog(ctx, args[0])
	if err != nil {
		return err
	}

	db, err := replica.OpenSQL(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open catalog database", err)
	}
	defer func() { _ = db.Close() }()

	n, err := db.Import(ctx, mem.Records())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Import failed", err)
	}

	observability.CLILogger.Info("Catalog imported",
		zap.String("source", args[0]),
		zap.Int("lfns", mem.Len()),
		zap.Int("locations", n))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Imported %d location(s) for %d file(s)\n", n, mem.Len())
	return nil
}

func runCatalogLookup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var cat replica.Catalog
	if catalogFile != "" {
		mem, err := readTextCatalog(ctx, catalogFile)
		if err != nil {
			return err
		}
		cat = mem
	} else {
		cfg, err := catalogDBConfig()
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "No catalog", errors.New("one of --file, --db or --url is required"))
		}
		db, err := replica.OpenSQLReadOnly(ctx, cfg)
		if errors.Is(err, sqlstore.ErrNotExist) {
			return exitError(foundry.ExitFileNotFound, "Catalog database not found", err)
		}
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to open catalog database", err)
		}
		defer func() { _ = db.Close() }()
		cat = db
	}

	var found []*replica.Record
	var missing []string
	for _, lfn := range args {
		rec, err := cat.Lookup(ctx, lfn)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Lookup failed", err)
		}
		if rec == nil || len(rec.Locations) == 0 {
			missing = append(missing, lfn)
			continue
		}
		found = append(found, rec)
	}

	if err := replica.WriteFile(cmd.OutOrStdout(), found); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write results", err)
	}
	if len(missing) > 0 {
		return exitError(foundry.ExitFileNotFound, "No replicas",
			fmt.Errorf("unknown logical file(s): %v", missing))
	}
	return nil
}

func readTextCatalog(ctx context.Context, uri string) (*replica.Memory, error) {
	r := docReader
	if r == nil {
		r = source.NewReader(source.S3Config{})
	}
	data, err := r.ReadAll(ctx, uri)
	if err != nil {
		if source.IsNotFound(err) {
			return nil, exitError(foundry.ExitFileNotFound, "Catalog not found", err)
		}
		return nil, exitError(foundry.ExitFileReadError, "Failed to read catalog", err)
	}
	mem, err := replica.ParseFile(bytes.NewReader(data))
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid catalog", err)
	}
	return mem, nil
}
