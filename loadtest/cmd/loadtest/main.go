// Package main is the entry point for the Parley load test binary. It
// provides subcommands for different load scenarios:
//
//   - occupy: occupancy saturation test — N idle occupants heartbeating
//   - churn:  join/leave churn test — exercises claims, events, and reaping
//   - chat:   full lifecycle test — join, exchange messages, leave
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/parley/chat-app/internal/docstore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "occupy":
		runOccupy(os.Args[2:])
	case "churn":
		runChurn(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  occupy      Occupancy saturation test — N idle occupants heartbeating across rooms")
	fmt.Println("  churn       Join/leave churn test — occupants cycle through rooms")
	fmt.Println("  chat        Full lifecycle test — join, exchange messages, leave")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// storeFlags registers the shared backend flags on a FlagSet.
func storeFlags(fs *flag.FlagSet) (backend, redisAddr, natsURL *string) {
	backend = fs.String("store", "redis", "Backend: redis or mem (in-process, single binary only)")
	redisAddr = fs.String("redis", "localhost:6379", "Redis address")
	natsURL = fs.String("nats", "nats://localhost:4222", "NATS URL")
	return
}

// openStore builds the document store selected by the shared flags. The mem
// backend keeps everything in-process, which isolates protocol overhead from
// backend latency.
func openStore(backend, redisAddr, natsURL string) (docstore.Store, func(), error) {
	switch backend {
	case "mem":
		return docstore.NewMemStore(), func() {}, nil
	case "redis":
		rs, err := docstore.NewRedisStore(docstore.RedisConfig{
			RedisAddr: redisAddr,
			NATSURL:   natsURL,
			Name:      "parley-loadtest",
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
