package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/mathduel/go/internal/dbconfig"
	"github.com/mcdev12/mathduel/go/internal/duel/store"
)

func main() {
	purge := flag.Duration("purge-older-than", 0, "also delete sessions untouched for this long (0 keeps everything)")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 1) Connect using shared dbconfig
	poolCfg, err := dbconfig.NewConfigFromEnv().PoolConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 2) Create the session table
	if _, err := pool.Exec(ctx, store.Schema); err != nil {
		fmt.Fprintf(os.Stderr, "ensure schema: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Schema ready: duel_sessions")

	// 3) Optional retention sweep
	if *purge <= 0 {
		return
	}
	tag, err := pool.Exec(ctx,
		`DELETE FROM duel_sessions WHERE updated_at < now() - make_interval(secs => $1)`,
		purge.Seconds(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "purge sessions: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Purge complete: %d sessions idle longer than %s\n", tag.RowsAffected(), *purge)
}
