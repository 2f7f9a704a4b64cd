package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	jsoniter "github.com/json-iterator/go"

	"github.com/erlorenz/go-kvstore/config"
	"github.com/erlorenz/go-kvstore/kv"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Settings select and tune the store. They are read from KVCTL_* environment
// variables and from files in the secrets directory.
type Settings struct {
	Engine        string            `default:"sqlite" desc:"engine (sqlite, memory, bolt, pebble, postgres)"`
	Location      string            `default:"kv.db" desc:"database file or directory, or :memory:"`
	PostgresURL   string            `optional:"true" secret:"postgres_url"`
	Table         string            `default:"entries"`
	Durability    kv.DurabilityMode `optional:"true"`
	EncryptionKey string            `optional:"true" secret:"encryption_key" desc:"hex encoded AES-256 key"`
	LogLevel      slog.Level        `optional:"true"`
}

type cmdGet struct {
	Key string `arg:"" help:"Key to read."`
}

type cmdSet struct {
	Key   string `arg:"" help:"Key to write."`
	Value string `arg:"" help:"JSON value."`
}

type cmdDelete struct {
	Key string `arg:"" help:"Key to delete."`
}

type cmdList struct {
	Prefix string `short:"p" help:"Only list keys with this prefix."`
}

type cmdClear struct{}

type cmdMode struct {
	Mode string `arg:"" optional:"" help:"Durability mode to apply: DELETE, MEMORY, OFF, PERSIST, TRUNCATE or WAL."`
}

// cmdTx reads one operation per line from stdin and applies them all in a
// single transaction:
//
//	set KEY JSON
//	delete KEY
//
// Blank lines and lines starting with # are ignored.
type cmdTx struct{}

type cliArgs struct {
	SecretsDir string `env:"KVCTL_SECRETS_DIR" default:"/run/secrets" help:"Directory holding secret files."`
	Verbose    bool   `short:"v" help:"Log debug information on stderr."`

	Get    cmdGet    `cmd:"" help:"Print the value stored under a key."`
	Set    cmdSet    `cmd:"" help:"Store a JSON value under a key."`
	Delete cmdDelete `cmd:"" help:"Delete a key and print the value it held."`
	List   cmdList   `cmd:"" help:"List entries as key<TAB>json lines."`
	Clear  cmdClear  `cmd:"" help:"Delete every entry."`
	Mode   cmdMode   `cmd:"" help:"Print or change the durability mode."`
	Tx     cmdTx     `cmd:"" help:"Apply set/delete lines from stdin as one transaction."`
}

// CliConfig contains the configuration for the kvctl cli.
type CliConfig struct {
	Name        string
	Description string
	// Exit is the function to call to exit the program
	Exit   func(int)
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewCliConfig returns a CliConfig wired to the process.
func NewCliConfig() *CliConfig {
	return &CliConfig{
		Name:        "kvctl",
		Description: "Inspect and edit a kv store.",
		Exit:        os.Exit,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

// app is what every command runs against.
type app struct {
	ctx    context.Context
	store  *kv.Store[any]
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer
}

// Cli parses args, opens the configured store and runs the chosen command.
func Cli(args []string, cfg *CliConfig) (int, error) {
	var cli cliArgs
	parser, err := kong.New(&cli,
		kong.Name(cfg.Name),
		kong.Description(cfg.Description),
		kong.Exit(cfg.Exit),
		kong.Writers(cfg.Stdout, cfg.Stderr),
	)
	if err != nil {
		return 1, err
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		parser.Errorf("%s", err)
		return 1, err
	}

	var settings Settings
	if err := config.Parse(&settings, config.Options{EnvPrefix: "KVCTL", SecretsDir: cli.SecretsDir}); err != nil {
		fmt.Fprintf(cfg.Stderr, "%s: config: %s\n", cfg.Name, err)
		return 1, err
	}

	level := settings.LogLevel
	if cli.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cfg.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()
	store, err := openStore(ctx, settings, logger)
	if err != nil {
		logger.Error("open store", "engine", settings.Engine, "error", err)
		return 1, err
	}
	defer store.Close()

	a := &app{ctx: ctx, store: store, logger: logger, stdin: cfg.Stdin, stdout: cfg.Stdout}
	if err := kctx.Run(a); err != nil {
		fmt.Fprintf(cfg.Stderr, "%s: error: %s\n", cfg.Name, err)
		return 1, err
	}

	return 0, nil
}

func openStore(ctx context.Context, s Settings, logger *slog.Logger) (*kv.Store[any], error) {
	engineOpts := []kv.EngineOption{kv.WithTable(s.Table)}

	var engine kv.Engine
	var err error
	switch s.Engine {
	case "sqlite":
		engine, err = kv.OpenSQLite(ctx, s.Location, engineOpts...)
	case "memory":
		engine = kv.NewMemoryEngine()
	case "bolt":
		engine, err = kv.OpenBolt(ctx, s.Location, engineOpts...)
	case "pebble":
		engine, err = kv.OpenPebble(ctx, s.Location, engineOpts...)
	case "postgres":
		if s.PostgresURL == "" {
			return nil, errors.New("postgres engine needs KVCTL_POSTGRES_URL")
		}
		engine, err = kv.OpenPostgres(ctx, s.PostgresURL, engineOpts...)
	default:
		return nil, fmt.Errorf("unknown engine %q", s.Engine)
	}
	if err != nil {
		return nil, err
	}

	opts := []kv.Option{kv.WithLogger(logger)}
	if s.Durability != "" {
		opts = append(opts, kv.WithDurabilityMode(s.Durability))
	}
	if s.EncryptionKey != "" {
		enc, err := kv.NewAESEncryptorFromHex(s.EncryptionKey)
		if err != nil {
			engine.Close()
			return nil, err
		}
		opts = append(opts, kv.WithEncryption(enc))
	}

	return kv.New(ctx, engine, kv.JSONCodec[any]{}, opts...)
}

func (c *cmdGet) Run(a *app) error {
	value, found, err := a.store.Get(a.ctx, c.Key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: not found", c.Key)
	}
	return a.printJSON(value)
}

func (c *cmdSet) Run(a *app) error {
	value, err := parseValue(c.Value)
	if err != nil {
		return err
	}
	_, err = a.store.Set(a.ctx, c.Key, value)
	return err
}

func (c *cmdDelete) Run(a *app) error {
	prev, found, err := a.store.Delete(a.ctx, c.Key)
	if err != nil || !found {
		return err
	}
	return a.printJSON(prev)
}

func (c *cmdList) Run(a *app) error {
	entries, err := a.store.All(a.ctx, func(key string, _ any) bool {
		return strings.HasPrefix(key, c.Prefix)
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		data, err := json.Marshal(e.Value)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s\t%s\n", e.Key, data)
	}
	return nil
}

func (c *cmdClear) Run(a *app) error {
	return a.store.Clear(a.ctx)
}

func (c *cmdMode) Run(a *app) error {
	if c.Mode != "" {
		mode, err := kv.ParseDurabilityMode(c.Mode)
		if err != nil {
			return err
		}
		if err := a.store.SetDurabilityMode(a.ctx, mode); err != nil {
			return err
		}
	}
	fmt.Fprintln(a.stdout, a.store.DurabilityMode())
	return nil
}

type txChange struct {
	Key    string `json:"key"`
	Value  any    `json:"value,omitempty"`
	Exists bool   `json:"exists"`
}

type txReport struct {
	OldValues []txChange `json:"old_values"`
	NewValues []txChange `json:"new_values"`
}

func (c *cmdTx) Run(a *app) error {
	ops, err := readTxOps(a.stdin)
	if err != nil {
		return err
	}

	report, err := a.store.Transaction(a.ctx, func(tx *kv.Tx[any]) error {
		for _, op := range ops {
			if op.delete {
				if err := tx.Delete(op.key); err != nil {
					return fmt.Errorf("line %d: %w", op.line, err)
				}
				continue
			}
			if _, err := tx.Set(op.key, op.value); err != nil {
				return fmt.Errorf("line %d: %w", op.line, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.logger.Debug("kvctl transaction applied", "ops", len(ops), "keys", len(report.NewValues))

	out := txReport{
		OldValues: make([]txChange, 0, len(report.OldValues)),
		NewValues: make([]txChange, 0, len(report.NewValues)),
	}
	for _, ch := range report.OldValues {
		out.OldValues = append(out.OldValues, txChange(ch))
	}
	for _, ch := range report.NewValues {
		out.NewValues = append(out.NewValues, txChange(ch))
	}
	return a.printJSON(out)
}

type txOp struct {
	line   int
	delete bool
	key    string
	value  any
}

// readTxOps parses every line up front so a malformed line aborts before
// anything is staged.
func readTxOps(r io.Reader) ([]txOp, error) {
	var ops []txOp

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		verb, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)
		switch verb {
		case "delete":
			if rest == "" || strings.ContainsAny(rest, " \t") {
				return nil, fmt.Errorf("line %d: want: delete KEY", n)
			}
			ops = append(ops, txOp{line: n, delete: true, key: rest})
		case "set":
			key, raw, ok := strings.Cut(rest, " ")
			if !ok {
				return nil, fmt.Errorf("line %d: want: set KEY JSON", n)
			}
			value, err := parseValue(raw)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			ops = append(ops, txOp{line: n, key: key, value: value})
		default:
			return nil, fmt.Errorf("line %d: unknown operation %q", n, verb)
		}
	}

	return ops, scanner.Err()
}

func parseValue(raw string) (any, error) {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("value is not valid JSON: %w", err)
	}
	return value, nil
}

func (a *app) printJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.stdout, "%s\n", data)
	return err
}
