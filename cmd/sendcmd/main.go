// Command sendcmd injects a single command into an agent's queue by calling
// the control plane's SendCommand unary RPC. The CommandQueue is in-process
// server state with no file an external tool can poke at directly, so
// injecting test work goes through the real RPC surface.
//
// Usage:
//
//	sendcmd -addr localhost:9443 -agent <agent_id> -type BLOCK_IP -param ip=1.2.3.4
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Will-Luck/edr-control-plane/internal/wire"
)

type paramsFlag map[string]string

func (p paramsFlag) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (p paramsFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("param %q must be key=value", s)
	}
	p[k] = v
	return nil
}

func main() {
	addr := flag.String("addr", "localhost:9443", "control plane gRPC address")
	agentID := flag.String("agent", "", "target agent id (required)")
	cmdType := flag.String("type", "", "command type, e.g. BLOCK_IP, DELETE_FILE, KILL_PROCESS (required)")
	priority := flag.Int("priority", 0, "command priority (advisory; ordering is by timestamp)")
	timeout := flag.Int("timeout", 30, "command timeout hint in seconds")
	params := make(paramsFlag)
	flag.Var(params, "param", "key=value command parameter; may be repeated")
	dialTimeout := flag.Duration("dial-timeout", 5*time.Second, "gRPC dial timeout")
	flag.Parse()

	if *agentID == "" || *cmdType == "" {
		fmt.Println("usage: sendcmd -agent <agent_id> -type <COMMAND_TYPE> [-param key=value ...]")
		flag.PrintDefaults()
		log.Fatal("missing required flag")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *dialTimeout)
	defer cancel()

	conn, err := grpc.NewClient(*addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.CodecName)),
	)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()

	client := wire.NewControlPlaneClient(conn)

	resp, err := client.SendCommand(ctx, &wire.CommandWire{
		AgentID:        *agentID,
		Type:           *cmdType,
		Params:         params,
		Priority:       *priority,
		TimeoutSeconds: *timeout,
	})
	if err != nil {
		log.Fatalf("SendCommand: %v", err)
	}

	if !resp.Success {
		log.Fatalf("rejected: %s", resp.Message)
	}
	fmt.Printf("enqueued %s for agent %s\n", *cmdType, *agentID)
}
