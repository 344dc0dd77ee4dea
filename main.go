// Command spfbld runs the SPFBL daemon: the SPF/CHECK/HAM/SPAM/REFRESH
// control protocol, the Postfix policy-server protocol, the DNS-list and
// gossip UDP listeners, and their shared background jobs.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spfbl-go/spfbl/buildinfo"
	"github.com/spfbl-go/spfbl/mlog"
)

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"version", cmdVersion},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		cmds = append(cmds, cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn})
	}
}

// cmd mirrors the teacher's subcommand shape (serve_unix.go/main.go), pared
// down to what spfbld's narrower CLI surface needs: no usage-gathering pass,
// no partial-match help, since there are only two commands.
type cmd struct {
	words []string
	fn    func(c *cmd)

	flag     *flag.FlagSet
	flagArgs []string

	params string
	help   string
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) Usage() {
	cs := "spfbld " + strings.Join(c.words, " ")
	fmt.Fprintf(os.Stderr, "usage: %s %s\n", cs, c.params)
	c.flag.PrintDefaults()
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: spfbld [-config spfbl.conf] {serve|version}")
	os.Exit(2)
}

func cmdVersion(c *cmd) {
	c.help = "Print the spfbld version."
	c.Parse()
	fmt.Println(buildinfo.Version)
}

var configPath string

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("SPFBLCONF", "spfbl.conf"), "configuration file")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	for _, c := range cmds {
		if len(args) < len(c.words) || !wordsEqual(c.words, args[:len(c.words)]) {
			continue
		}
		c.flag = flag.NewFlagSet("spfbld "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	usage()
}

func wordsEqual(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func envString(k, def string) string {
	if s := os.Getenv(k); s != "" {
		return s
	}
	return def
}
