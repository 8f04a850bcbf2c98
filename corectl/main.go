package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/nexusos/core/core"
)

const CoreCtlVersion = "0.0.1"

// Operator tool for poking at a running engine's durable state and for
// minting tokens against a known secret. Works directly on the update
// log database; run it against a copy, not a live file.

func main() {
	usage := `Workspace engine control.

Usage:
    corectl mint-token --secret=<secret> --user=<user> [--ttl=<ttl>]
    corectl sessions --db=<db>
    corectl cat --db=<db> --session=<session> [--file=<file>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --secret=<secret>      Token signing secret.
    --user=<user>          Username to mint for.
    --ttl=<ttl>            Token lifetime [default: 24h].
    --db=<db>              Update log database path.
    --session=<session>    Session id.
    --file=<file>          File path inside the session.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CoreCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Parse()

	if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	} else if sessions_, _ := opts.Bool("sessions"); sessions_ {
		sessions(opts)
	} else if cat_, _ := opts.Bool("cat"); cat_ {
		cat(opts)
	} else {
		docopt.PrintHelpAndExit(nil, usage)
	}
}

func mintToken(opts docopt.Opts) {
	secret, err := opts.String("--secret")
	if err != nil || secret == "" {
		glog.Errorf("[ctl]no secret provided\n")
		return
	}
	user, err := opts.String("--user")
	if err != nil || user == "" {
		glog.Errorf("[ctl]no user provided\n")
		return
	}
	ttlValue, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlValue)
	if err != nil {
		glog.Errorf("[ctl]bad ttl = %s\n", err)
		return
	}

	token, err := core.NewTokenAuth(secret).Mint(user, ttl)
	if err != nil {
		glog.Errorf("[ctl]mint error = %s\n", err)
		return
	}
	fmt.Println(token)
}

func openLog(opts docopt.Opts) (*core.UpdateLog, context.CancelFunc) {
	db, err := opts.String("--db")
	if err != nil || db == "" {
		glog.Errorf("[ctl]no db path provided\n")
		return nil, nil
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	updateLog, err := core.NewUpdateLogWithDefaults(cancelCtx, db)
	if err != nil {
		cancel()
		glog.Errorf("[ctl]open error = %s\n", err)
		return nil, nil
	}
	return updateLog, cancel
}

func sessions(opts docopt.Opts) {
	updateLog, cancel := openLog(opts)
	if updateLog == nil {
		return
	}
	defer cancel()

	sessionIds, err := updateLog.Sessions()
	if err != nil {
		glog.Errorf("[ctl]read error = %s\n", err)
		return
	}
	for _, sessionId := range sessionIds {
		state, err := updateLog.Bootstrap(sessionId)
		if err != nil {
			glog.Errorf("[ctl]bootstrap error %s = %s\n", sessionId, err)
			continue
		}
		fmt.Printf("%s version=%d entries=%d\n", sessionId, state.Version, len(state.Entries))
	}
}

func cat(opts docopt.Opts) {
	updateLog, cancel := openLog(opts)
	if updateLog == nil {
		return
	}
	defer cancel()

	sessionId, err := opts.String("--session")
	if err != nil || sessionId == "" {
		glog.Errorf("[ctl]no session provided\n")
		return
	}

	state, err := updateLog.Bootstrap(sessionId)
	if err != nil {
		glog.Errorf("[ctl]bootstrap error = %s\n", err)
		return
	}
	doc, err := core.RehydrateDocument(state, core.NewId(), "main.py")
	if err != nil {
		glog.Errorf("[ctl]rehydrate error = %s\n", err)
		return
	}

	if file, _ := opts.String("--file"); file != "" {
		content, err := doc.Read(file)
		if err != nil {
			glog.Errorf("[ctl]read error = %s\n", err)
			return
		}
		fmt.Print(content)
		return
	}
	for path, content := range doc.Files() {
		fmt.Printf("== %s (%d bytes)\n", path, len(content))
	}
}
