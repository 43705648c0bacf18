// Command arbcored runs the machine-thread host (§4.7) as a
// standalone background process: open the storage engine, wire up the
// value store, code store, inbox store, output streams, and checkpoint
// catalog, then drive the host's tick loop until interrupted.
//
// The opcode interpreter is out of scope (§1 Non-goals), so this binary
// wires the host against machinetest's fake Machine rather than a real
// one; swapping in a real interpreter means supplying a different
// host.Factory, nothing else in this wiring changes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"avmcore/checkpoint"
	"avmcore/codestore"
	"avmcore/env"
	"avmcore/host"
	"avmcore/inboxstore"
	"avmcore/log"
	"avmcore/log/rotation"
	"avmcore/machine"
	"avmcore/machine/machinetest"
	"avmcore/outputstream"
	"avmcore/storage"
	"avmcore/storage/memstore"
	"avmcore/storage/rocksstore"
	"avmcore/valuestore"
)

var (
	datadir        = env.String("DATADIR", "")
	sideloadWindow = env.Int("SIDELOAD_CACHE_SIZE", 64)
	gasPerRun      = env.Int("GAS_PER_RUN", 1000)
	logFile        = os.Getenv("LOGFILE")
	logSize        = env.Int("LOGSIZE", 5e6) // 5MB
	logCount       = env.Int("LOGCOUNT", 9)

	// build vars; initialized by the linker
	buildTag = "dev"
)

func main() {
	ctx := context.Background()
	env.Parse()

	log.SetPrefix("app", "arbcored", "buildtag", buildTag)
	if logFile != "" {
		log.SetOutput(rotation.Create(logFile, *logSize, *logCount))
	}

	db, err := openStore(*datadir)
	if err != nil {
		log.Fatal(ctx, log.KeyError, err)
	}
	defer db.Close()

	code := codestore.New(db)
	values := valuestore.New(code)
	inbox := inboxstore.New()
	outputs := outputstream.New(values)
	catalog := checkpoint.New(values, inbox)

	gas := uint64(*gasPerRun)
	h := host.New(db, values, code, inbox, outputs, catalog, func(keys machine.MachineStateKeys) machine.Machine {
		return machinetest.FromKeys(keys, gas)
	})
	h.SetSideloadCacheSize(uint64(*sideloadWindow))

	log.Messagef(ctx, "arbcored starting, datadir=%q", *datadir)

	ctx, cancel := context.WithCancel(ctx)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Messagef(ctx, "arbcored shutting down")
		cancel()
	}()

	h.Run(ctx)
}

// openStore opens a production rocksdb store when datadir is set, and
// an in-memory store otherwise.
func openStore(datadir string) (storage.DB, error) {
	if datadir == "" {
		return memstore.New(), nil
	}
	return rocksstore.Open(datadir)
}
