package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/ledger"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/config"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/store"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/telemetry"
)

// sysexits-style codes shared with sentineld.
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitSoftware    = 70
	exitTempFail    = 75
)

const usage = `usage: sentinelctl [-config path] <command>

commands:
  incidents list                  list incidents and their chain heads
  incidents verify <incident-id>  verify an incident's hash chain
  incidents repair <incident-id> <region>
                                  restore the primary chain from a replica
  consensus dump <incident-id>    print the incident's consensus events
`

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(exitUsage)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sentinelctl: configuration:", err)
		os.Exit(exitUsage)
	}
	if cfg.Database.URL == "" {
		fmt.Fprintln(os.Stderr, "sentinelctl: database.url is required")
		os.Exit(exitUsage)
	}

	log, err := telemetry.SetupLogger("warn")
	if err != nil {
		fmt.Fprintln(os.Stderr, "sentinelctl: logger:", err)
		os.Exit(exitUsage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dbpool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sentinelctl: database:", err)
		os.Exit(exitUnavailable)
	}
	defer dbpool.Close()
	if err := dbpool.Ping(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "sentinelctl: database:", err)
		os.Exit(exitUnavailable)
	}

	events := store.NewPostgresStore(dbpool, store.Options{
		ReplicaRegions:    cfg.Store.ReplicaRegions,
		SnapshotThreshold: cfg.Store.SnapshotThreshold,
	}, log)

	os.Exit(dispatch(ctx, args, dbpool, events))
}

func dispatch(ctx context.Context, args []string, dbpool *pgxpool.Pool, events store.EventStore) int {
	switch args[0] {
	case "incidents":
		if len(args) < 2 {
			return usageError()
		}
		switch args[1] {
		case "list":
			return listIncidents(ctx, dbpool)
		case "verify":
			if len(args) != 3 {
				return usageError()
			}
			return verifyIncident(ctx, events, args[2])
		case "repair":
			if len(args) != 4 {
				return usageError()
			}
			return repairIncident(ctx, events, args[2], args[3])
		}
		return usageError()
	case "consensus":
		if len(args) == 3 && args[1] == "dump" {
			return dumpConsensus(ctx, events, args[2])
		}
		return usageError()
	default:
		return usageError()
	}
}

func usageError() int {
	fmt.Fprint(os.Stderr, usage)
	return exitUsage
}

func parseIncidentID(raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sentinelctl: invalid incident id:", raw)
		return uuid.Nil, false
	}
	return id, true
}

func listIncidents(ctx context.Context, dbpool *pgxpool.Pool) int {
	rows, err := dbpool.Query(ctx, `
		SELECT e.incident_id, count(*), max(e.sequence),
		       (SELECT le.event_type FROM incident_events le
		        WHERE le.incident_id = e.incident_id
		        ORDER BY le.sequence DESC LIMIT 1)
		FROM incident_events e
		GROUP BY e.incident_id
		ORDER BY max(e.timestamp) DESC`)
	if err != nil {
		return reportError(err)
	}
	defer rows.Close()

	fmt.Printf("%-38s %8s %8s  %s\n", "INCIDENT", "EVENTS", "VERSION", "LAST EVENT")
	for rows.Next() {
		var (
			id        uuid.UUID
			count     int64
			version   uint64
			lastEvent string
		)
		if err := rows.Scan(&id, &count, &version, &lastEvent); err != nil {
			return reportError(err)
		}
		fmt.Printf("%-38s %8d %8d  %s\n", id, count, version, lastEvent)
	}
	if err := rows.Err(); err != nil {
		return reportError(err)
	}
	return exitOK
}

func verifyIncident(ctx context.Context, events store.EventStore, raw string) int {
	id, ok := parseIncidentID(raw)
	if !ok {
		return exitUsage
	}
	intact, err := events.VerifyIntegrity(ctx, id)
	if err != nil {
		return reportError(err)
	}
	if !intact {
		fmt.Printf("incident %s: chain CORRUPT\n", id)
		return exitSoftware
	}
	fmt.Printf("incident %s: chain intact\n", id)
	return exitOK
}

func repairIncident(ctx context.Context, events store.EventStore, raw, region string) int {
	id, ok := parseIncidentID(raw)
	if !ok {
		return exitUsage
	}
	if err := events.RepairFromReplica(ctx, id, region); err != nil {
		return reportError(err)
	}
	fmt.Printf("incident %s: primary chain restored from %s\n", id, region)
	return exitOK
}

func dumpConsensus(ctx context.Context, events store.EventStore, raw string) int {
	id, ok := parseIncidentID(raw)
	if !ok {
		return exitUsage
	}
	all, err := events.Events(ctx, id, 1)
	if err != nil {
		return reportError(err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, e := range all {
		switch e.Type {
		case ledger.EventConsensusDecided, ledger.EventConsensusAborted:
			if err := enc.Encode(e); err != nil {
				return reportError(err)
			}
		}
	}
	return exitOK
}

func reportError(err error) int {
	fmt.Fprintln(os.Stderr, "sentinelctl:", err)
	switch {
	case errors.IsType(err, errors.ErrorTypeNotFound):
		return exitUsage
	case errors.IsType(err, errors.ErrorTypeStorageUnavailable):
		return exitUnavailable
	case errors.IsRetryable(err):
		return exitTempFail
	default:
		return exitSoftware
	}
}
