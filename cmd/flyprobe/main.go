// Command flyprobe requests paths from a running fly front-end over raw TCP
// and reports whether each reply was a delegated response.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/linkdata/fly"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// probeResult describes one reply.
type probeResult struct {
	Path      string
	Delegated bool   // reply started with the fixed header block
	Body      []byte // bytes after the header block, or the whole reply
}

func (pr probeResult) String() string {
	if !pr.Delegated {
		first := string(pr.Body)
		if i := strings.IndexByte(first, '\n'); i >= 0 {
			first = first[:i]
		}
		return fmt.Sprintf("%s: not delegated (%s)", pr.Path, strings.TrimSpace(first))
	}
	return fmt.Sprintf("%s: delegated, %d body bytes", pr.Path, len(pr.Body))
}

// probe sends a GET for urlPath and reads until the server ends the stream
// or timeout passes.
func probe(addr, urlPath string, timeout time.Duration) (res probeResult, err error) {
	res.Path = urlPath
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return res, errors.WithStack(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err = fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", urlPath, addr); err != nil {
		return res, errors.WithStack(err)
	}
	reply, err := io.ReadAll(conn)
	if ne, ok := err.(net.Error); ok && ne.Timeout() && len(reply) > 0 {
		err = nil
	}
	if err != nil {
		return res, errors.WithStack(err)
	}
	if strings.HasPrefix(string(reply), fly.HeaderBlock) {
		res.Delegated = true
		res.Body = reply[len(fly.HeaderBlock):]
	} else {
		res.Body = reply
	}
	return
}

func main() {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:          "flyprobe address:port path...",
		Short:        "Probe a fly front-end for delegated responses",
		Args:         cobra.MinimumNArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, p := range args[1:] {
				res, err := probe(args[0], p, timeout)
				if err != nil {
					failed++
					fmt.Fprintf(os.Stdout, "%s: %+v\n", p, err)
					continue
				}
				fmt.Fprintln(os.Stdout, res)
			}
			if failed > 0 {
				return errors.Errorf("%d of %d probes failed", failed, len(args)-1)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "per probe timeout")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
