// archiveproxy is a local HTTP proxy that archives everything it fetches
// from a single upstream host, so that a website can later be served
// offline from the archive.
//
// forward mode proxies requests to the upstream host, rewrites absolute
// references to the upstream in textual bodies and stores every
// successful GET response under the output directory. Responses that
// were already archived are served from disk.
//
// serve mode serves an archive directory (or a packaged .zip / .pak
// bundle) read-only, without any upstream.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/tidwall/pretty"

	"github.com/kjk/archiveproxy/compress"
	"github.com/kjk/archiveproxy/config"
	"github.com/kjk/archiveproxy/forward"
	"github.com/kjk/archiveproxy/httplogger"
	"github.com/kjk/archiveproxy/log"
	"github.com/kjk/archiveproxy/publish"
	"github.com/kjk/archiveproxy/serve"
	"github.com/kjk/archiveproxy/server"
	"github.com/kjk/archiveproxy/u"
)

func main() {
	// stdout is for output of list, compress and publish
	log.Out = os.Stderr
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

const usage = `archiveproxy archives a website while you browse it through a local proxy.

Usage:
  archiveproxy forward <host> <output> [flags]   proxy to <host>, archive into <output>
  archiveproxy serve <path> [flags]              serve an archive directory or bundle
  archiveproxy compress <dir> [flags]            package an archive directory
  archiveproxy publish <file> <dest> [flags]     upload a bundle to s3:// or ssh://
  archiveproxy list <path> [flags]               list files in an archive

Run 'archiveproxy <command> --help' for flags of a command.
`

type commandFunc func(args []string, out io.Writer) error

var commands = map[string]commandFunc{
	"forward":  cmdForward,
	"serve":    cmdServe,
	"compress": cmdCompress,
	"publish":  cmdPublish,
	"list":     cmdList,
}

var stdout io.Writer = os.Stdout

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}
	name := args[0]
	if name == "-h" || name == "--help" || name == "help" {
		fmt.Fprint(stdout, usage)
		return nil
	}
	cmd := commands[name]
	if cmd == nil {
		return fmt.Errorf("unknown command '%s'", name)
	}
	defer log.Close()
	err := cmd(args[1:], stdout)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

// flags shared by all commands
type globalFlags struct {
	configPath string
	logDir     string
	verbose    bool
}

func newFlagSet(name string, argsUsage string) (*pflag.FlagSet, *globalFlags) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	g := &globalFlags{}
	fs.StringVar(&g.configPath, "config", "", "YAML file with default settings")
	fs.StringVar(&g.logDir, "log-dir", "", "directory for log files and http access log")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "log more")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n  archiveproxy %s %s [flags]\n\nFlags:\n", name, argsUsage)
		fs.PrintDefaults()
	}
	return fs, g
}

// init loads the config file and initializes logging. Returned file
// is nil if --config was not given
func (g *globalFlags) init(fs *pflag.FlagSet) (*config.File, error) {
	var f *config.File
	if g.configPath != "" {
		var err error
		f, err = config.LoadFile(g.configPath)
		if err != nil {
			return nil, err
		}
		if !fs.Changed("log-dir") {
			g.logDir = f.LogDir
		}
		if !fs.Changed("verbose") {
			g.verbose = f.Verbose
		}
	}
	log.Init(&log.Config{
		Dir:     g.logDir,
		Verbose: g.verbose,
	})
	return f, nil
}

func parseArgs(fs *pflag.FlagSet, args []string, nArgs int) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != nArgs {
		fs.Usage()
		return fmt.Errorf("expected %d arguments, got %d", nArgs, fs.NArg())
	}
	return nil
}

func newContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// localHosts are names under which clients reach us in proxy form
func localHosts(port int) []string {
	p := strconv.Itoa(port)
	return []string{"localhost:" + p, "127.0.0.1:" + p}
}

func listenAndServe(g *globalFlags, addr string, h http.Handler, hosts []string) error {
	srv := server.New(addr, h, hosts...)
	if g.logDir != "" {
		logger, err := httplogger.New(filepath.Join(g.logDir, "http"))
		if err != nil {
			return err
		}
		defer logger.Close()
		srv.Logger = logger
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	return srv.Serve()
}

func buildForwardConfig(args []string) (*config.Forward, *globalFlags, error) {
	fs, g := newFlagSet("forward", "<host> <output>")
	secure := fs.Bool("secure", true, "connect to the upstream with https")
	listen := fs.Int("listen", config.DefaultListenPort, "port to listen on 127.0.0.1")
	rewrite := fs.String("rewrite", "", "host:port written in place of upstream host (default localhost:<listen>)")
	prefixLocal := fs.String("prefix-local", "", "rewrite absolute upstream urls to this prefix, drop query from file names")
	timeout := fs.Duration("timeout", config.DefaultUpstreamTimeout, "timeout of upstream requests")
	if err := parseArgs(fs, args, 2); err != nil {
		return nil, nil, err
	}
	f, err := g.init(fs)
	if err != nil {
		return nil, nil, err
	}
	cfg := f.NewForward(fs.Arg(0), fs.Arg(1))
	if fs.Changed("secure") {
		cfg.Upstream.Secure = *secure
	}
	if fs.Changed("listen") {
		cfg.ListenPort = *listen
	}
	if fs.Changed("rewrite") {
		cfg.Rewrite = *rewrite
	}
	if fs.Changed("prefix-local") {
		cfg.PrefixLocal = *prefixLocal
	}
	if fs.Changed("timeout") {
		cfg.UpstreamTimeout = *timeout
	}
	if err = cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, g, nil
}

func cmdForward(args []string, out io.Writer) error {
	cfg, g, err := buildForwardConfig(args)
	if err != nil {
		return err
	}
	c := forward.New(cfg)
	log.Logf("forwarding to %s://%s, archiving into '%s'\n", cfg.Upstream.Scheme(), cfg.Upstream.Host, cfg.ArchiveRoot)
	hosts := append([]string{cfg.Upstream.Host}, localHosts(cfg.ListenPort)...)
	return listenAndServe(g, cfg.ListenAddr(), c, hosts)
}

func buildServeConfig(args []string) (*config.Serve, *globalFlags, error) {
	fs, g := newFlagSet("serve", "<path>")
	listen := fs.Int("listen", config.DefaultListenPort, "port to listen on 127.0.0.1")
	rewrite := fs.String("rewrite", "", "host:port the archive was rewritten to (default localhost:<listen>)")
	cacheDir := fs.String("cache-dir", "", "where decompressed and downloaded bundles are stored")
	if err := parseArgs(fs, args, 1); err != nil {
		return nil, nil, err
	}
	f, err := g.init(fs)
	if err != nil {
		return nil, nil, err
	}
	cfg := f.NewServe(fs.Arg(0))
	if fs.Changed("listen") {
		cfg.ListenPort = *listen
	}
	if fs.Changed("rewrite") {
		cfg.Rewrite = *rewrite
	}
	if fs.Changed("cache-dir") {
		cfg.CacheDir = *cacheDir
	}
	if err = cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, g, nil
}

func cmdServe(args []string, out io.Writer) error {
	cfg, g, err := buildServeConfig(args)
	if err != nil {
		return err
	}
	ctx, cancel := newContext()
	defer cancel()
	c, err := serve.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return listenAndServe(g, cfg.ListenAddr(), c, localHosts(cfg.ListenPort))
}

func cmdCompress(args []string, out io.Writer) error {
	fs, g := newFlagSet("compress", "<dir>")
	format := fs.String("format", string(compress.FormatZip), "zip, zip-zstd or pak")
	output := fs.StringP("output", "o", "", "output file (default <dir name>.zip in current directory)")
	if err := parseArgs(fs, args, 1); err != nil {
		return err
	}
	if _, err := g.init(fs); err != nil {
		return err
	}
	f, err := compress.ParseFormat(*format)
	if err != nil {
		return err
	}
	st, err := compress.Dir(fs.Arg(0), *output, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d files, %s\n", st.Path, st.Files, u.FormatSize(st.Size))
	return nil
}

func cmdPublish(args []string, out io.Writer) error {
	fs, g := newFlagSet("publish", "<file> <s3://bucket/key | ssh://[user@]host[:port]/path>")
	brotli := fs.Bool("brotli", false, "compress with brotli before uploading")
	key := fs.String("key", "", "ssh private key (default: ssh agent or ~/.ssh/id_ed25519, ~/.ssh/id_rsa)")
	if err := parseArgs(fs, args, 2); err != nil {
		return err
	}
	if _, err := g.init(fs); err != nil {
		return err
	}
	ctx, cancel := newContext()
	defer cancel()
	opts := &publish.Options{
		Brotli:         *brotli,
		PrivateKeyPath: *key,
	}
	uri, err := publish.Publish(ctx, fs.Arg(0), fs.Arg(1), opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n", uri)
	return nil
}

type listedFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func cmdList(args []string, out io.Writer) error {
	fs, g := newFlagSet("list", "<path>")
	asJSON := fs.Bool("json", false, "print as JSON")
	cacheDir := fs.String("cache-dir", "", "where decompressed and downloaded bundles are stored")
	if err := parseArgs(fs, args, 1); err != nil {
		return err
	}
	f, err := g.init(fs)
	if err != nil {
		return err
	}
	cfg := f.NewServe(fs.Arg(0))
	if fs.Changed("cache-dir") {
		cfg.CacheDir = *cacheDir
	}
	ctx, cancel := newContext()
	defer cancel()
	c, err := serve.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	files, err := c.Files()
	if err != nil {
		return err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	if !*asJSON {
		var total int64
		for _, fi := range files {
			fmt.Fprintf(out, "%10s  %s\n", u.FormatSize(fi.Size), fi.Path)
			total += fi.Size
		}
		fmt.Fprintf(out, "%d files, %s\n", len(files), u.FormatSize(total))
		return nil
	}
	res := make([]listedFile, 0, len(files))
	for _, fi := range files {
		res = append(res, listedFile{Path: fi.Path, Size: fi.Size})
	}
	d, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = out.Write(pretty.Pretty(d))
	return err
}
