package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cell-rpc/cell"
	"cell-rpc/client"
	"cell-rpc/codec"
	"cell-rpc/controller"
	"cell-rpc/middleware"
	"cell-rpc/registry"
	"cell-rpc/server"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=2.0.0"
var version = "0.1.0" //nolint:gochecknoglobals

// common holds the flags every subcommand shares.
type common struct {
	etcd    []string
	codec   string
	verbose int
}

func (c *common) bind(fs *flag.FlagSet) {
	fs.StringSliceVar(&c.etcd, "etcd", nil, "etcd endpoints for service discovery (comma separated)")
	fs.StringVar(&c.codec, "codec", "binary", "Envelope codec: json or binary")
	fs.CountVarP(&c.verbose, "verbose", "v", "Increase verbosity (repeatable)")
}

func (c *common) logger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if c.verbose > 0 {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewProductionConfig()
	if c.verbose > 1 {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func (c *common) registry(logger *zap.Logger) (*registry.EtcdRegistry, error) {
	if len(c.etcd) == 0 {
		return nil, nil
	}
	return registry.NewEtcdRegistry(c.etcd, registry.WithLogger(logger))
}

func execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}
	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "put":
		return runPut(ctx, args[1:])
	case "scan":
		return runScan(ctx, args[1:])
	case "version", "--version":
		fmt.Printf("cellrpc %s\n", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command %q (use --help for usage)", args[0])
	}
}

// ── serve ───────────────────────────────────────────────────────────

func runServe(ctx context.Context, args []string) (err error) {
	var (
		c         common
		listen    string
		advertise string
		ttl       int64
		timeout   time.Duration
		rate      float64
		burst     int
		grace     time.Duration
	)
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	c.bind(fs)
	fs.StringVarP(&listen, "listen", "l", ":7070", "Listen address")
	fs.StringVar(&advertise, "advertise", "", "Address registered in etcd (defaults to the listen address)")
	fs.Int64Var(&ttl, "ttl", 10, "Registration lease TTL in seconds")
	fs.DurationVar(&timeout, "timeout", 5*time.Second, "Per-request handler timeout (0 disables)")
	fs.Float64Var(&rate, "rate", 0, "Requests per second admitted (0 disables)")
	fs.IntVar(&burst, "burst", 100, "Rate limiter burst")
	fs.DurationVar(&grace, "grace", 5*time.Second, "Time in-flight calls get on shutdown")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, err := c.logger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	opts := []server.Option{server.WithLogger(logger)}
	reg, err := c.registry(logger)
	if err != nil {
		return err
	}
	if reg != nil {
		defer func() { err = multierr.Append(err, reg.Close()) }()
		if advertise == "" {
			advertise = listen
		}
		opts = append(opts, server.WithRegistry(reg, advertise, ttl))
	}

	svr := server.NewServer(opts...)
	svr.Use(middleware.Logging(logger))
	if rate > 0 {
		svr.Use(middleware.RateLimit(rate, burst))
	}
	if timeout > 0 {
		svr.Use(middleware.Timeout(timeout))
	}
	// Innermost: Timeout runs the rest of the chain on its own goroutine.
	svr.Use(middleware.Recovery(logger))
	if err := svr.Register(NewTable()); err != nil {
		return err
	}

	l, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	logger.Info("serving", zap.Stringer("addr", l.Addr()), zap.String("version", version))

	shutdown := make(chan error, 1)
	go func() {
		<-ctx.Done()
		logger.Info("shutting down", zap.Duration("grace", grace))
		shutdown <- svr.Shutdown(grace)
	}()

	if err := svr.Serve(l); !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	return <-shutdown
}

// ── calls ───────────────────────────────────────────────────────────

// callFlags are the flags of the client subcommands.
type callFlags struct {
	common
	addr    string
	timeout time.Duration
}

func (cf *callFlags) bind(fs *flag.FlagSet) {
	cf.common.bind(fs)
	fs.StringVarP(&cf.addr, "addr", "a", "127.0.0.1:7070", "Server address (ignored with --etcd)")
	fs.DurationVar(&cf.timeout, "timeout", 10*time.Second, "Call timeout")
}

func (cf *callFlags) dial(ctx context.Context, logger *zap.Logger) (*client.Client, func() error, error) {
	ct, err := codec.ParseCodecType(cf.codec)
	if err != nil {
		return nil, nil, err
	}
	opts := []client.Option{client.WithCodec(ct), client.WithLogger(logger)}

	reg, err := cf.registry(logger)
	if err != nil {
		return nil, nil, err
	}
	if reg != nil {
		cli := client.NewClient(reg, opts...)
		return cli, func() error { return multierr.Append(cli.Close(), reg.Close()) }, nil
	}
	cli, err := client.Dial(ctx, cf.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cli, cli.Close, nil
}

func runPut(ctx context.Context, args []string) (err error) {
	var cf callFlags
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	cf.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("put: at least one ROW/FAMILY:QUALIFIER=VALUE required")
	}

	cells := make(cell.Slice, 0, fs.NArg())
	for _, arg := range fs.Args() {
		c, err := parseCell(arg)
		if err != nil {
			return err
		}
		cells = append(cells, c)
	}

	logger, err := cf.logger()
	if err != nil {
		return err
	}
	cli, closeFn, err := cf.dial(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeFn()) }()

	ctrl := controller.NewWithScannables([]cell.Scannable{cells})
	ctrl.SetCallTimeout(cf.timeout)
	reply := &PutReply{}
	if err := cli.CallWithController(ctx, ctrl, "Table.Put", nil, reply); err != nil {
		return err
	}
	fmt.Printf("stored %d cells\n", reply.Cells)
	return nil
}

func runScan(ctx context.Context, args []string) (err error) {
	var (
		cf    callFlags
		limit int
	)
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	cf.bind(fs)
	fs.IntVarP(&limit, "limit", "n", 0, "Maximum number of rows (0 means all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	scanArgs := &ScanArgs{Limit: limit}
	if fs.NArg() > 0 {
		scanArgs.Prefix = fs.Arg(0)
	}

	logger, err := cf.logger()
	if err != nil {
		return err
	}
	cli, closeFn, err := cf.dial(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeFn()) }()

	ctrl := controller.New()
	ctrl.SetCallTimeout(cf.timeout)
	reply := &ScanReply{}
	if err := cli.CallWithController(ctx, ctrl, "Table.Scan", scanArgs, reply); err != nil {
		return err
	}
	for c := range cell.All(ctrl.CellScanner()) {
		fmt.Printf("%s/%s:%s @%d = %s\n", c.Row, c.Family, c.Qualifier, c.Timestamp, c.Value)
	}
	fmt.Printf("%d rows, %d cells\n", reply.Rows, reply.Cells)
	return nil
}

// parseCell parses ROW/FAMILY:QUALIFIER=VALUE.
func parseCell(s string) (cell.Cell, error) {
	coord, value, ok := strings.Cut(s, "=")
	if !ok {
		return cell.Cell{}, fmt.Errorf("cell %q: missing '='", s)
	}
	row, column, ok := strings.Cut(coord, "/")
	if !ok || row == "" {
		return cell.Cell{}, fmt.Errorf("cell %q: want ROW/FAMILY:QUALIFIER=VALUE", s)
	}
	family, qualifier, _ := strings.Cut(column, ":")
	if family == "" {
		return cell.Cell{}, fmt.Errorf("cell %q: empty family", s)
	}
	return cell.Cell{
		Row:       []byte(row),
		Family:    []byte(family),
		Qualifier: []byte(qualifier),
		Type:      cell.TypePut,
		Value:     []byte(value),
	}, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `cellrpc v%s – cell table over cell-rpc

Usage:
  cellrpc serve [options]                         Serve the table
  cellrpc put [options] ROW/FAM:QUAL=VALUE...     Store cells
  cellrpc scan [options] [PREFIX]                 Scan rows

Run "cellrpc <command> --help" for the options of a command.

Examples:
  cellrpc serve -l :7070 --etcd 127.0.0.1:2379 --rate 500
  cellrpc put user1/info:name=ada user1/info:lang=go
  cellrpc scan -n 10 user
`, version)
}
