package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/coedit/docsync"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Docsync server.

Keeps the authoritative operation log per document and relays operations
and presence between the connected sessions of each document.

Usage:
    syncd serve [--port=<port>] [--bind=<bind>]

Options:
    -h --help          Show this screen.
    --version          Show version.
    -p --port=<port>   Listen port [default: 8090].
    --bind=<bind>      Bind address [default: 0.0.0.0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	bind := "0.0.0.0"
	if bindAny := opts["--bind"]; bindAny != nil {
		bind = bindAny.(string)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := docsync.NewSyncServer(cancelCtx, docsync.DefaultSyncServerSettings())
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/sync", server)

	addr := fmt.Sprintf("%s:%d", bind, port)
	glog.Infof("[syncd]listening on %s\n", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		glog.Errorf("[syncd]exit = %s\n", err)
		os.Exit(1)
	}
}
