// Program rosctl is a command-line utility for talking to a MikroTik
// RouterOS device through the rosclient library.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	rosclient "github.com/routeros-client/rosclient"
)

// connFlags holds the connection settings shared by every subcommand.
// Struct tags are bound onto each command's flag.FlagSet by flax; field
// values set before binding become each flag's default.
type connFlags struct {
	Host     string        `flag:"host,RouterOS host or address"`
	User     string        `flag:"user,Login user name"`
	Password string        `flag:"password,Login password"`
	Protocol string        `flag:"protocol,Transport protocol (socket or rest)"`
	Port     int           `flag:"port,RouterOS port (defaults by protocol)"`
	TLS      bool          `flag:"tls,Use TLS on the socket transport or https for REST"`
	Insecure bool          `flag:"allow-insecure,Allow in-code credentials outside the environment"`
	Timeout  time.Duration `flag:"timeout,Overall command timeout"`
}

func defaultConnFlags() connFlags {
	return connFlags{Protocol: "socket", Timeout: 10 * time.Second}
}

func (f *connFlags) config() rosclient.Config {
	return rosclient.Config{
		Host:          f.Host,
		User:          f.User,
		Password:      f.Password,
		Protocol:      rosclient.Protocol(f.Protocol),
		Port:          f.Port,
		TLS:           f.TLS,
		AllowInsecure: f.Insecure,
	}
}

func (f *connFlags) connect(ctx context.Context) (*rosclient.Client, context.Context, context.CancelFunc, error) {
	cctx, cancel := context.WithTimeout(ctx, f.Timeout)
	c, err := rosclient.New(f.config())
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	if err := c.Connect(cctx); err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return c, cctx, cancel, nil
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for administering a MikroTik RouterOS device.",
		Commands: []*command.C{
			printCommand(),
			writeCommand("add", rosclient.ActionAdd),
			writeCommand("set", rosclient.ActionSet),
			writeCommand("remove", rosclient.ActionRemove),
			writeCommand("do", rosclient.ActionDo),
			streamCommand(),
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// printFlags extends connFlags with the read-only filters print accepts.
type printFlags struct {
	connFlags
	Proplist string `flag:"proplist,Comma-separated list of properties to return"`
	Query    string `flag:"query,Comma-separated query filters, e.g. disabled=no"`
}

// writeFlags extends connFlags with the offline-queue opt-in write commands
// accept. Persistent defaults to false: a write fails loudly on a
// circuit-open rejection unless the caller explicitly asks to have it queued.
type writeFlags struct {
	connFlags
	Persistent bool `flag:"persistent,Queue this command for offline retry instead of failing on a circuit-open rejection"`
}

func printCommand() *command.C {
	pf := printFlags{connFlags: defaultConnFlags()}
	return &command.C{
		Name:  "print",
		Usage: "<path>",
		Help:  "Print (read) the rows at a RouterOS path, e.g. /interface.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			flax.MustBind(fs, &pf)
		},
		Run: func(env *command.Env) error {
			if len(env.Args) != 1 {
				return env.Usagef("exactly one path is required")
			}
			c, ctx, cancel, err := pf.connFlags.connect(env.Context())
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			rows, err := c.Print(ctx, env.Args[0], splitNonEmpty(pf.Proplist), splitNonEmpty(pf.Query))
			if err != nil {
				return err
			}
			return printJSON(rows)
		},
	}
}

// splitNonEmpty splits a comma-separated flag value, returning nil for an
// empty string rather than a single empty-string element.
func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func writeCommand(name string, action rosclient.WriteAction) *command.C {
	wf := writeFlags{connFlags: defaultConnFlags()}
	usage := "<path> key=value ..."
	if action == rosclient.ActionSet || action == rosclient.ActionRemove {
		usage = "<path> <id> [key=value ...]"
	}
	return &command.C{
		Name:  name,
		Usage: usage,
		Help:  fmt.Sprintf("Perform a %s operation against a RouterOS path.", name),
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			flax.MustBind(fs, &wf)
		},
		Run: func(env *command.Env) error {
			if len(env.Args) < 1 {
				return env.Usagef("a path is required")
			}
			path := env.Args[0]
			rest := env.Args[1:]
			var id string
			if action == rosclient.ActionSet || action == rosclient.ActionRemove {
				if len(rest) == 0 {
					return env.Usagef("an id is required for %s", name)
				}
				id = rest[0]
				rest = rest[1:]
			}
			params, err := parseKeyValues(rest)
			if err != nil {
				return err
			}

			c, ctx, cancel, err := wf.connFlags.connect(env.Context())
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			rows, err := c.Write(ctx, path, action, id, params, rosclient.WriteOptions{Persistent: wf.Persistent})
			if errors.Is(err, rosclient.ErrQueuedOffline) {
				fmt.Fprintln(env, "queued for offline retry")
				return nil
			}
			if err != nil {
				return err
			}
			return printJSON(rows)
		},
	}
}

func streamCommand() *command.C {
	cf := defaultConnFlags()
	return &command.C{
		Name:  "stream",
		Usage: "<path>",
		Help:  "Follow a RouterOS path, printing each row as it arrives until the timeout elapses.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			flax.MustBind(fs, &cf)
		},
		Run: func(env *command.Env) error {
			if len(env.Args) != 1 {
				return env.Usagef("exactly one path is required")
			}
			c, ctx, cancel, err := cf.connect(env.Context())
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			seq, err := c.Stream(ctx, env.Args[0], nil)
			if err != nil {
				return err
			}
			for row, err := range seq {
				if err != nil {
					return err
				}
				if perr := printJSON(row); perr != nil {
					return perr
				}
			}
			return nil
		},
	}
}

func parseKeyValues(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("invalid key=value argument %q", a)
		}
		out[k] = v
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
