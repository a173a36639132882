package cmd

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/fzft/go-reactor-httpd/deps/linenoise"
)

const (
	CliHisFileEnv     = "HTTPD_CLI_HISTFILE"
	CliHisFileDefault = ".httpd_cli_history"
	defaultTimeout    = 5 * time.Second
)

var errQuit = errors.New("quit")

type CliConfig struct {
	host        string
	port        int
	timeout     time.Duration
	interactive bool
	prompt      string
}

// Cli is an interactive probe for a running server.
type Cli struct {
	config *CliConfig
	client *Client
	in     io.Reader
	out    io.Writer
}

func NewCli(in io.Reader, out io.Writer) *Cli {
	return &Cli{
		config: &CliConfig{host: "127.0.0.1", port: 9090, timeout: defaultTimeout},
		in:     in,
		out:    out,
	}
}

// Version renders name with the build information passed in by main.
func Version(name, gitSHA1, gitDirty string) string {
	version := name
	if sha1Int, err := strconv.ParseInt(gitSHA1, 16, 64); err == nil && sha1Int != 0 {
		version = fmt.Sprintf("%s (git:%s", version, gitSHA1)
		if dirtyInt, err := strconv.ParseInt(gitDirty, 10, 64); err == nil && dirtyInt != 0 {
			version += "-dirty"
		}
		version += ")"
	}
	return version
}

// Run parses args, then executes the trailing command once or starts the
// shell when none is given.
func (cli *Cli) Run(args []string) error {
	fs := flag.NewFlagSet("httpd cli", flag.ContinueOnError)
	fs.SetOutput(cli.out)
	fs.StringVar(&cli.config.host, "h", cli.config.host, "server hostname")
	fs.IntVar(&cli.config.port, "p", cli.config.port, "server port")
	fs.DurationVar(&cli.config.timeout, "timeout", cli.config.timeout, "per request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cli.client = NewClient(cli.config.host, cli.config.port, cli.config.timeout)
	defer cli.client.Close()

	if fs.NArg() > 0 {
		err := cli.issueCommand(fs.Args())
		if errors.Is(err, errQuit) {
			return nil
		}
		return err
	}

	if f, ok := cli.in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		cli.config.interactive = true
		return cli.repl()
	}
	return cli.batch()
}

func (cli *Cli) refreshPrompt() {
	cli.config.prompt = fmt.Sprintf("http://%s> ", cli.client.Addr())
}

func (cli *Cli) repl() error {
	line := linenoise.New()
	defer line.Close()

	historyFile := getDotfilePath(CliHisFileEnv, CliHisFileDefault)
	if historyFile != "" {
		_ = line.HistoryLoad(historyFile)
	}

	cli.refreshPrompt()
	for {
		input, err := line.Prompt(cli.config.prompt)
		if err != nil {
			// Ctrl-C or Ctrl-D
			return nil
		}
		argv := splitArgs(input)
		if len(argv) == 0 {
			continue
		}
		line.AppendHistory(input)
		if historyFile != "" {
			_ = line.HistorySave(historyFile)
		}

		if len(argv) == 1 && strings.EqualFold(argv[0], "clear") {
			_ = line.ClearScreen()
			continue
		}
		if err := cli.issueCommand(argv); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintln(cli.out, color.RedString("(error) %v", err))
		}
	}
}

// batch runs one command per input line, for piped input.
func (cli *Cli) batch() error {
	scanner := bufio.NewScanner(cli.in)
	for scanner.Scan() {
		argv := splitArgs(scanner.Text())
		if len(argv) == 0 {
			continue
		}
		if err := cli.issueCommand(argv); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintln(cli.out, "(error)", err)
		}
	}
	return scanner.Err()
}

// issueCommand runs argv, honoring a leading repeat count as in "3 get /".
func (cli *Cli) issueCommand(argv []string) error {
	repeat := 1
	if n, err := strconv.Atoi(argv[0]); err == nil && len(argv) > 1 {
		if n <= 0 {
			return fmt.Errorf("invalid repeat count %d", n)
		}
		repeat, argv = n, argv[1:]
	}

	name := strings.ToLower(argv[0])
	if name == "exit" {
		name = "quit"
	}
	doc, ok := lookupCommand(name)
	if !ok {
		return fmt.Errorf("unknown command '%s', try 'help'", argv[0])
	}
	args := argv[1:]
	if len(args) < doc.minArgs || len(args) > doc.maxArgs {
		return fmt.Errorf("usage: %s %s", doc.name, doc.params)
	}

	for i := 0; i < repeat; i++ {
		if err := cli.dispatch(name, args); err != nil {
			return err
		}
	}
	return nil
}

func (cli *Cli) dispatch(name string, args []string) error {
	switch name {
	case "quit":
		return errQuit
	case "help":
		cli.help(args)
	case "clear":
		fmt.Fprint(cli.out, "\x1b[H\x1b[2J")
	case "connect":
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid port number %q", args[1])
		}
		cli.client.Close()
		cli.client = NewClient(args[0], port, cli.config.timeout)
		cli.refreshPrompt()
		return cli.client.Connect(true)
	case "keepalive":
		switch strings.ToLower(args[0]) {
		case "on":
			cli.client.keepAlive = true
		case "off":
			cli.client.keepAlive = false
		default:
			return fmt.Errorf("keepalive takes on or off")
		}
	case "get", "head":
		reply, err := cli.client.Do(http.MethodGet, args[0], "")
		if err != nil {
			return err
		}
		cli.printReply(reply, name == "get")
	case "post":
		form := ""
		if len(args) > 1 {
			form = args[1]
		}
		reply, err := cli.client.Do(http.MethodPost, args[0], form)
		if err != nil {
			return err
		}
		cli.printReply(reply, true)
	}
	return nil
}

func (cli *Cli) printReply(reply *Reply, withBody bool) {
	fmt.Fprintf(cli.out, "%s (%s)\n", statusColor(reply.StatusCode).Sprint(reply.Status), reply.Elapsed.Round(time.Microsecond))

	keys := make([]string, 0, len(reply.Header))
	for k := range reply.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cli.out, "%s: %s\n", color.CyanString(k), strings.Join(reply.Header[k], ", "))
	}
	if withBody && len(reply.Body) > 0 {
		fmt.Fprintf(cli.out, "\n%s\n", reply.Body)
	}
}

func statusColor(code int) *color.Color {
	switch {
	case code >= 500:
		return color.New(color.FgMagenta)
	case code >= 400:
		return color.New(color.FgRed)
	case code >= 300:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgGreen)
}

func (cli *Cli) help(args []string) {
	for _, doc := range commandTable {
		if len(args) == 1 && !strings.EqualFold(args[0], doc.name) {
			continue
		}
		fmt.Fprintf(cli.out, "  %s %s\n", color.YellowString(doc.name), doc.params)
		fmt.Fprintf(cli.out, "    %s\n", doc.summary)
	}
}

func splitArgs(line string) []string {
	return strings.Fields(line)
}

func getDotfilePath(envOverride, dotFilename string) string {
	if path := os.Getenv(envOverride); path != "" {
		if path == "/dev/null" {
			return ""
		}
		return path
	}
	if home := os.Getenv("HOME"); home != "" {
		return home + "/" + dotFilename
	}
	return ""
}
