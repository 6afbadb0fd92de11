package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/store"
)

var ingestFile string

// seedFile is the ingest payload: posts to classify plus the reference data
// used at materialization. Keys follow the JSON field names of the API.
type seedFile struct {
	Items          []pipeline.IngestItem `json:"items"`
	Clients        []model.Client        `json:"clients"`
	HRProviders    []model.HRProvider    `json:"hr_providers"`
	ClientContacts []model.ClientContact `json:"client_contacts"`
}

// ingestStats counts what an ingest run wrote.
type ingestStats struct {
	Ingested       int
	Rejected       int
	Clients        int
	HRProviders    int
	ClientContacts int
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load work items and reference data from a YAML or JSON file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		seed, err := readSeedFile(ingestFile)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := ingestSeed(ctx, st, pipeline.New(cfg, st, nil, nil, nil), seed)
		if err != nil {
			return err
		}
		zap.L().Info("ingest complete",
			zap.String("file", ingestFile),
			zap.Int("ingested", stats.Ingested),
			zap.Int("rejected", stats.Rejected),
			zap.Int("clients", stats.Clients),
			zap.Int("hr_providers", stats.HRProviders),
			zap.Int("client_contacts", stats.ClientContacts),
		)
		return nil
	},
}

// readSeedFile decodes path as YAML, which also accepts JSON, and maps it
// onto seedFile through the JSON tags.
func readSeedFile(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read ingest file %s", path)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "parse ingest file %s", path)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize ingest file %s", path)
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, eris.Wrapf(err, "decode ingest file %s", path)
	}
	return &seed, nil
}

// ingestSeed writes reference data first so items ingested now are matched
// against it. Invalid or duplicate items are logged and skipped.
func ingestSeed(ctx context.Context, st store.Store, orch *pipeline.Orchestrator, seed *seedFile) (ingestStats, error) {
	var stats ingestStats

	if len(seed.Clients) > 0 {
		if err := st.UpsertClients(ctx, seed.Clients); err != nil {
			return stats, eris.Wrap(err, "upsert clients")
		}
		stats.Clients = len(seed.Clients)
	}
	if len(seed.HRProviders) > 0 {
		if err := st.UpsertHRProviders(ctx, seed.HRProviders); err != nil {
			return stats, eris.Wrap(err, "upsert hr providers")
		}
		stats.HRProviders = len(seed.HRProviders)
	}
	if len(seed.ClientContacts) > 0 {
		if err := st.UpsertClientContacts(ctx, seed.ClientContacts); err != nil {
			return stats, eris.Wrap(err, "upsert client contacts")
		}
		stats.ClientContacts = len(seed.ClientContacts)
	}

	for _, in := range seed.Items {
		if _, err := orch.Ingest(ctx, in); err != nil {
			if resilience.IsValidation(err) {
				stats.Rejected++
				zap.L().Warn("item rejected", zap.String("work_item_id", in.ID), zap.Error(err))
				continue
			}
			return stats, err
		}
		stats.Ingested++
	}
	return stats, nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "path to a YAML or JSON ingest file (required)")
	_ = ingestCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(ingestCmd)
}
