// Package main is the aiscan dispatcher daemon.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/NVIDIA/aiscan/c12n"
	"github.com/NVIDIA/aiscan/cmn"
	"github.com/NVIDIA/aiscan/cmn/cos"
	"github.com/NVIDIA/aiscan/cmn/nlog"
	"github.com/NVIDIA/aiscan/datastore"
	"github.com/NVIDIA/aiscan/dispatch"
	"github.com/NVIDIA/aiscan/hk"
	"github.com/NVIDIA/aiscan/stats"
	"github.com/NVIDIA/aiscan/store"
	"github.com/NVIDIA/aiscan/watcher"
	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli"
)

var (
	build     string
	buildtime string
)

func main() {
	app := cli.NewApp()
	app.Name = "aiscan"
	app.Usage = "file-analysis dispatcher"
	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "run the dispatcher worker loops",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "config", Usage: "configuration file", EnvVar: "AISCAN_CONFIG"},
				cli.StringFlag{Name: "db", Value: store.InMemoryPath, Usage: "store database path"},
				cli.StringFlag{Name: "services", Usage: "service catalog seed file (JSON)"},
				cli.StringFlag{Name: "http", Value: ":8280", Usage: "metrics listen address"},
			},
			Action: run,
		},
		{
			Name:   "version",
			Usage:  "print version and exit",
			Action: func(*cli.Context) error {
				fmt.Printf("aiscan %s (%s)\n", build, buildtime)
				return nil
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		cos.ExitLogf("%v", err)
	}
}

func run(c *cli.Context) error {
	config, err := cmn.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}

	st, err := store.NewBuntStore(c.String("db"))
	if err != nil {
		return err
	}
	defer st.Close()

	ds := datastore.NewMem()
	if path := c.String("services"); path != "" {
		if err := seedServices(ds, path); err != nil {
			return err
		}
	}

	go hk.DefaultHK.Run()
	defer hk.DefaultHK.Stop()
	watcher.NewClient(st).RegisterSweep()

	tracker := stats.NewTracker(st)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tracker.Handler())
		if err := http.ListenAndServe(c.String("http"), mux); err != nil {
			nlog.Errorf("metrics listener: %v", err)
		}
	}()

	dispatcher := dispatch.NewDispatcher(ds, st, config, c12n.New(nil), tracker)
	runner := dispatch.NewRunner(dispatcher)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		nlog.Infof("received %v, draining", sig)
		runner.Stop()
	}()

	return runner.Run()
}

func seedServices(ds *datastore.Mem, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var services []*cmn.Service
	if err := jsoniter.Unmarshal(data, &services); err != nil {
		return err
	}
	for _, svc := range services {
		ds.AddService(svc)
	}
	nlog.Infof("seeded %d service%s from %s", len(services), cos.Plural(len(services)), path)
	return nil
}
