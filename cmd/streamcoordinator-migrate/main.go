/*
streamcoordinator-migrate upgrades the most recent raft snapshot found in a
node's data directory to the current machine_version, ahead of a rolling
restart onto a newer build. It follows cmd/warren-migrate's
inspect-then-backup-then-rewrite flow, adapted from warren-migrate's bbolt
bucket copy to package migrate's raw-JSON snapshot rewrite.

Run this offline, against a stopped node's data directory, before starting
it on a build whose CurrentMachineVersion is newer than the snapshot's. A
running cluster migrates automatically at Restore time; this tool exists for
operators who want to pre-migrate and inspect the result before a restart.
*/
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"

	"github.com/hashicorp/raft"

	"github.com/streamkit/coordinator/pkg/coordinator"
	"github.com/streamkit/coordinator/pkg/migrate"
)

func main() {
	dataDir := flag.String("data-dir", "", "coordinator node data directory (required)")
	dryRun := flag.Bool("dry-run", false, "report what would change without writing a new snapshot")
	to := flag.Int("to", 0, "target machine version (0 = this build's CurrentMachineVersion)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *dataDir == "" {
		log.Fatal("-data-dir is required")
	}

	target := *to
	if target == 0 {
		target = coordinator.CurrentMachineVersion
	}

	snaps, err := raft.NewFileSnapshotStore(*dataDir, 2, os.Stderr)
	if err != nil {
		log.Fatalf("open snapshot store: %v", err)
	}

	list, err := snaps.List()
	if err != nil {
		log.Fatalf("list snapshots: %v", err)
	}
	if len(list) == 0 {
		log.Println("no snapshots found; a fresh node will start directly at the current version")
		return
	}
	latest := list[0]

	meta, rc, err := snaps.Open(latest.ID)
	if err != nil {
		log.Fatalf("open snapshot %s: %v", latest.ID, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		log.Fatalf("read snapshot %s: %v", latest.ID, err)
	}

	var probe struct{ MachineVersion int }
	if err := json.Unmarshal(raw, &probe); err != nil {
		log.Fatalf("probe machine_version: %v", err)
	}

	log.Printf("snapshot %s: machine_version=%d, target=%d", latest.ID, probe.MachineVersion, target)
	if probe.MachineVersion >= target {
		log.Println("already at or above target version; nothing to do")
		return
	}

	migrated, monitored, err := migrate.Migrate(probe.MachineVersion, target, raw)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Printf("migration produced %d bytes (was %d); %d listener pid(s) will be re-monitored on next leader election", len(migrated), len(raw), len(monitored))

	if *dryRun {
		log.Println("dry run: no snapshot written")
		return
	}

	sink, err := snaps.Create(raft.SnapshotVersion(1), meta.Index, meta.Term, meta.Configuration, meta.ConfigurationIndex, nil)
	if err != nil {
		log.Fatalf("create snapshot: %v", err)
	}
	if _, err := sink.Write(migrated); err != nil {
		sink.Cancel()
		log.Fatalf("write snapshot: %v", err)
	}
	if err := sink.Close(); err != nil {
		log.Fatalf("close snapshot: %v", err)
	}
	log.Println("migration complete; new snapshot written")
}
