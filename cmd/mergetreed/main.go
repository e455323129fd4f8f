// Command mergetreed is a minimal stand-in for the real db child process:
// it reads control messages as newline-delimited JSON on stdin and
// dispatches them against one MergeTree. The actual parent/child process
// model, TLS/SSH transports and passdb auth belong to the external
// supervisor; this binary only proves out pkg/control's dispatch
// contract.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/perspectivedb/internal/config"
	"github.com/i5heu/perspectivedb/internal/kvstore"
	"github.com/i5heu/perspectivedb/pkg/control"
	"github.com/i5heu/perspectivedb/pkg/mergetree"
)

type daemon struct {
	mt  *mergetree.MergeTree
	log *logrus.Logger
}

func (d *daemon) Init() {
	d.log.Info("mergetreed: init")
}

func (d *daemon) Listen() {
	d.log.Info("mergetreed: listen")
}

func (d *daemon) HeadLookup() {
	d.log.Info("mergetreed: headLookup channel requested")
}

func (d *daemon) LocalDataChannel() {
	d.log.Info("mergetreed: localDataChannel requested")
}

func (d *daemon) RemoteDataChannel(perspective string, receiveBeforeSend bool) {
	d.log.WithFields(logrus.Fields{"perspective": perspective, "receiveBeforeSend": receiveBeforeSend}).Info("mergetreed: remoteDataChannel requested")
}

func (d *daemon) AutoMerge() {
	d.log.Info("mergetreed: autoMerge requested")
}

func (d *daemon) Kill() {
	d.log.Info("mergetreed: kill received, closing")
	if err := d.mt.Close(); err != nil {
		d.log.WithError(err).Error("mergetreed: close failed")
	}
	os.Exit(0)
}

func main() {
	confPath := flag.String("config", "", "path to the mergeTree/perspectives yaml fragment")
	dbName := flag.String("db", "", "db name to serve, matching an entry in the config's dbs list")
	dataDir := flag.String("data", "", "store directory (dbroot/<name>/data)")
	flag.Parse()

	log := logrus.New()

	if *confPath == "" || *dbName == "" || *dataDir == "" {
		fmt.Fprintln(os.Stderr, "usage: mergetreed -config <path> -db <name> -data <dir>")
		os.Exit(2)
	}

	cfg, err := config.Load(*confPath, log)
	if err != nil {
		log.WithError(err).Fatal("mergetreed: load config")
	}

	var dbCfg *config.DB
	for i := range cfg.Dbs {
		if cfg.Dbs[i].Name == *dbName {
			dbCfg = &cfg.Dbs[i]
			break
		}
	}
	if dbCfg == nil {
		log.WithField("db", *dbName).Fatal("mergetreed: db not found in config")
	}

	store, err := kvstore.Open(kvstore.Config{Path: *dataDir, Logger: log})
	if err != nil {
		log.WithError(err).Fatal("mergetreed: open store")
	}

	var perspectives []string
	for _, pe := range dbCfg.Perspectives {
		perspectives = append(perspectives, pe.Name)
	}

	mt, err := mergetree.New(mergetree.Config{
		Store:        store,
		VSize:        dbCfg.MergeTree.VSize,
		Perspectives: perspectives,
		Logger:       log,
	})
	if err != nil {
		log.WithError(err).Fatal("mergetreed: open mergetree")
	}
	defer mt.Close()

	d := &daemon{mt: mt, log: log}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var msg control.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.WithError(err).Warn("mergetreed: malformed control message")
			continue
		}
		if err := control.Dispatch(msg, d); err != nil {
			log.WithError(err).Warn("mergetreed: dispatch failed")
		}
	}
}
