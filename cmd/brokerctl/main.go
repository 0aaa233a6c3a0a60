// Command brokerctl is a small operator/test client for flowbroker: submit
// a job, run as a worker draining one function, or query admin status.
//
// A blocking net.Conn, a dedicated receive goroutine decoding packets in a
// loop, and small per-command JSON senders, restructured around cobra
// subcommands instead of a single stdin command loop since brokerctl's
// commands are one-shot/long-running rather than interactive chat.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"flowbroker/internal/auth"
	"flowbroker/internal/protocol"
)

var serverAddr string

func main() {
	root := &cobra.Command{
		Use:   "brokerctl",
		Short: "flowbroker operator/test client",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:4730", "broker address")

	root.AddCommand(submitCmd(), workCmd(), statusCmd(), echoCmd(), adminTokenCmd(), adminStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial() (net.Conn, error) {
	return net.DialTimeout("tcp", serverAddr, 5*time.Second)
}

func sendPacket(conn net.Conn, pkt *protocol.Packet) error {
	data, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// recvPacket reads one complete packet off a blocking connection, looping
// past protocol.ErrWouldBlock the way a non-blocking caller would loop past
// IO_WAIT — here it just means "read blocked on a partial frame, try again".
func recvPacket(conn net.Conn) (*protocol.Packet, error) {
	d := protocol.NewDecoder()
	for {
		pkt, err := d.Feed(conn.Read)
		if err == protocol.ErrWouldBlock {
			continue
		}
		return pkt, err
	}
}

func submitCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "submit <function> <payload>",
		Short: "submit a job and print its handle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			body, _ := json.Marshal(struct {
				Function string `json:"function"`
				Payload  []byte `json:"payload"`
				Priority int    `json:"priority"`
			}{Function: args[0], Payload: []byte(args[1]), Priority: priority})

			if err := sendPacket(conn, &protocol.Packet{CmdType: protocol.CmdSubmitJob, Body: body}); err != nil {
				return err
			}
			reply, err := recvPacket(conn)
			if err != nil {
				return err
			}
			fmt.Println(string(reply.Body))
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority (0-9, higher runs first)")
	return cmd
}

func workCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work <function>",
		Short: "register as a worker and print jobs as they're dispatched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			function := args[0]
			canDo, _ := json.Marshal(struct {
				Function string `json:"function"`
			}{Function: function})
			if err := sendPacket(conn, &protocol.Packet{CmdType: protocol.CmdCanDo, Body: canDo}); err != nil {
				return err
			}

			for {
				if err := sendPacket(conn, &protocol.Packet{CmdType: protocol.CmdGrabJob}); err != nil {
					return err
				}
				reply, err := recvPacket(conn)
				if err != nil {
					return err
				}
				switch reply.CmdType {
				case protocol.CmdNoJob:
					if err := sendPacket(conn, &protocol.Packet{CmdType: protocol.CmdPreSleep}); err != nil {
						return err
					}
					wake, err := recvPacket(conn) // blocks for the NOOP wakeup
					if err != nil {
						return err
					}
					_ = wake
				case protocol.CmdJobAssign:
					fmt.Println(string(reply.Body))
					var assigned struct {
						Handle string `json:"handle"`
					}
					if err := json.Unmarshal(reply.Body, &assigned); err == nil {
						done, _ := json.Marshal(struct {
							Handle string `json:"handle"`
							Result []byte `json:"result"`
						}{Handle: assigned.Handle, Result: []byte("ok")})
						if err := sendPacket(conn, &protocol.Packet{CmdType: protocol.CmdWorkComplete, Body: done}); err != nil {
							return err
						}
					}
				}
			}
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print per-function queue depth and running count",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := sendPacket(conn, &protocol.Packet{CmdType: protocol.CmdAdminStatus}); err != nil {
				return err
			}
			reply, err := recvPacket(conn)
			if err != nil {
				return err
			}
			fmt.Println(string(reply.Body))
			return nil
		},
	}
}

// adminTokenCmd issues an admin-role JWT offline, using the same secret
// brokerd was started with (--admin-auth-secret on brokerd, here as
// --secret), so an operator never has to embed the secret in brokerd's
// own command surface.
func adminTokenCmd() *cobra.Command {
	var secret string
	var ttl time.Duration
	var subject string
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "issue an admin JWT for use with admin-status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("brokerctl: --secret is required")
			}
			issuer := auth.NewIssuer([]byte(secret), ttl)
			token, err := issuer.Issue(subject, "admin")
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "admin auth secret (must match brokerd's)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&subject, "subject", "brokerctl", "token subject")
	return cmd
}

func adminStatusCmd() *cobra.Command {
	var adminAddr, token string
	cmd := &cobra.Command{
		Use:   "admin-status",
		Short: "query per-function queue depth over the admin HTTP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodGet, "http://"+adminAddr+"/status", nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("brokerctl: admin-status: %s: %s", resp.Status, body)
			}
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:4731", "broker admin HTTP address")
	cmd.Flags().StringVar(&token, "token", "", "admin JWT from admin-token")
	return cmd
}

func echoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "echo <text>",
		Short: "round-trip text off the broker, a liveness check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := sendPacket(conn, &protocol.Packet{CmdType: protocol.CmdEchoReq, Body: []byte(args[0])}); err != nil {
				return err
			}
			reply, err := recvPacket(conn)
			if err != nil {
				return err
			}
			fmt.Println(string(reply.Body))
			return nil
		},
	}
}
