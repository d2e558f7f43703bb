package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"logbook/api/internal/content"
	"logbook/api/internal/maintenance"
	"logbook/api/internal/search"
	"logbook/api/internal/sections"
	"logbook/api/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()
		if err := store.ApplyMigrations(e.db); err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), e)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert every migration (drops all logbook data)",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()
		return store.RollbackMigrations(e.db)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()
		return printStatus(cmd.OutOrStdout(), e)
	},
}

func printStatus(w io.Writer, e *env) error {
	version, dirty, err := store.MigrationStatus(e.db)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "schema version %d", version)
	if dirty {
		fmt.Fprint(w, " (dirty)")
	}
	fmt.Fprintln(w)
	return nil
}

var pruneCmd = &cobra.Command{
	Use:   "prune-overrides",
	Short: "Delete overrides for sections the registry no longer declares",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()
		pruner := maintenance.NewPruner(sections.Default(), store.NewPostgresStore(e.db), nil, e.logger)
		pruned, err := pruner.PruneStaleOverrides(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d overrides\n", len(pruned))
		return err
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect the compiled section registry",
}

var schemaPages []string

var schemaDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print page defaults as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeSchema(cmd.OutOrStdout(), sections.Default(), schemaPages)
	},
}

type schemaPage struct {
	Page     sections.PageType            `yaml:"page"`
	Sections []sections.SectionDefinition `yaml:"sections"`
}

// writeSchema encodes the requested pages, or every page when none are named.
func writeSchema(w io.Writer, registry *sections.Registry, pages []string) error {
	pageTypes := registry.PageTypes()
	if len(pages) > 0 {
		pageTypes = pageTypes[:0]
		for _, raw := range pages {
			pageType, ok := sections.ParsePageType(raw)
			if !ok || !registry.HasPage(pageType) {
				return fmt.Errorf("unknown page type %q", raw)
			}
			pageTypes = append(pageTypes, pageType)
		}
	}
	doc := make([]schemaPage, 0, len(pageTypes))
	for _, pageType := range pageTypes {
		doc = append(doc, schemaPage{Page: pageType, Sections: registry.DefaultSections(pageType)})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return enc.Close()
}

var (
	reindexLogbooks []string
	reindexMedia    bool
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Push sections and media to Meilisearch",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()
		if e.cfg.MeiliURL == "" {
			return fmt.Errorf("MEILI_URL is not set")
		}
		meili := search.NewMeili(e.cfg.MeiliURL, e.cfg.MeiliMasterKey, e.logger)
		defer meili.Close()
		if !meili.Healthy() {
			return fmt.Errorf("meilisearch at %s is unreachable", e.cfg.MeiliURL)
		}

		registry := sections.Default()
		pg := search.NewPgSearch(e.db)
		svc := search.NewService(meili, pg, e.logger)
		resolver := content.NewResolver(registry, store.NewPostgresStore(e.db), content.WithLogger(e.logger))
		for _, logbookID := range reindexLogbooks {
			if err := svc.ReindexLogbook(cmd.Context(), resolver, logbookID, registry.PageTypes()); err != nil {
				return fmt.Errorf("reindex %s: %w", logbookID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reindexed logbook %s\n", logbookID)
		}
		if reindexMedia {
			if err := svc.ReindexMedia(cmd.Context(), pg); err != nil {
				return fmt.Errorf("reindex media: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reindexed media")
		}
		return nil
	},
}
