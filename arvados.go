// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/websocket"
)

// containerEvent is a message from the Arvados websocket event
// stream.
type containerEvent struct {
	Status     int
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
	Properties struct {
		Text string
	}
}

var containerEventTypes = []string{"stderr", "crunch-run", "crunchstat", "update"}

func subscription(method, uuid string) map[string]interface{} {
	return map[string]interface{}{
		"method": method,
		"filters": [][]interface{}{
			{"object_uuid", "=", uuid},
			{"event_type", "in", containerEventTypes},
		},
	}
}

// eventClient delivers websocket events about subscribed objects,
// reconnecting as needed.
type eventClient struct {
	*arvados.Client
	subscribers map[string]map[chan<- containerEvent]int
	wantClose   chan struct{}
	wsconn      *websocket.Conn
	mtx         sync.Mutex
}

// Subscribe arranges for events concerning uuid to be sent to ch.
// Subscribing the same {ch, uuid} pair twice delivers each event once
// but needs two Unsubscribe calls.
func (ec *eventClient) Subscribe(ch chan<- containerEvent, uuid string) {
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	if ec.subscribers == nil {
		ec.subscribers = map[string]map[chan<- containerEvent]int{}
		ec.wantClose = make(chan struct{})
		go ec.run()
	}
	chmap := ec.subscribers[uuid]
	if chmap == nil {
		chmap = map[chan<- containerEvent]int{}
		ec.subscribers[uuid] = chmap
	}
	first := len(chmap) == 0
	chmap[ch]++
	if first && ec.wsconn != nil {
		go json.NewEncoder(ec.wsconn).Encode(subscription("subscribe", uuid))
	}
}

func (ec *eventClient) Unsubscribe(ch chan<- containerEvent, uuid string) {
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	chmap := ec.subscribers[uuid]
	n := chmap[ch] - 1
	if n > 0 {
		chmap[ch] = n
		return
	} else if n < 0 {
		return
	}
	delete(chmap, ch)
	if len(chmap) > 0 {
		return
	}
	delete(ec.subscribers, uuid)
	if ec.wsconn != nil {
		go json.NewEncoder(ec.wsconn).Encode(subscription("unsubscribe", uuid))
	}
}

func (ec *eventClient) Close() {
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	if ec.subscribers != nil {
		ec.subscribers = nil
		close(ec.wantClose)
	}
}

func (ec *eventClient) dial() (*websocket.Conn, error) {
	var cluster arvados.Cluster
	err := ec.RequestAndDecode(&cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error getting cluster config: %w", err)
	}
	wsURL := cluster.Services.Websocket.ExternalURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	redacted := wsURL.String()
	wsURL.RawQuery = url.Values{"api_token": []string{ec.AuthToken}}.Encode()
	conn, err := websocket.Dial(wsURL.String(), "", cluster.Services.Controller.ExternalURL.String())
	if err != nil {
		return nil, fmt.Errorf("websocket connection error: %w", err)
	}
	log.Printf("connected to websocket at %s", redacted)
	return conn, nil
}

func (ec *eventClient) run() {
	for {
		conn, err := ec.dial()
		if err != nil {
			log.Warn(err)
			select {
			case <-ec.wantClose:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		ec.mtx.Lock()
		ec.wsconn = conn
		resubscribe := make([]string, 0, len(ec.subscribers))
		for uuid := range ec.subscribers {
			resubscribe = append(resubscribe, uuid)
		}
		ec.mtx.Unlock()
		go func() {
			enc := json.NewEncoder(conn)
			for _, uuid := range resubscribe {
				enc.Encode(subscription("subscribe", uuid))
			}
		}()

		if done := ec.receive(conn); done {
			return
		}
	}
}

// receive dispatches events from conn until conn fails (returning
// false) or the client is closed (returning true).
func (ec *eventClient) receive(conn *websocket.Conn) bool {
	dec := json.NewDecoder(conn)
	for {
		var msg containerEvent
		err := dec.Decode(&msg)
		select {
		case <-ec.wantClose:
			conn.Close()
			return true
		default:
		}
		if err != nil {
			log.Printf("error decoding websocket message: %s", err)
			ec.mtx.Lock()
			ec.wsconn = nil
			ec.mtx.Unlock()
			go conn.Close()
			return false
		}
		ec.mtx.Lock()
		for ch := range ec.subscribers[msg.ObjectUUID] {
			ch := ch
			go func() { ch <- msg }()
		}
		ec.mtx.Unlock()
	}
}

var refreshTicker = time.NewTicker(5 * time.Second)

// arvadosContainerRunner runs a subcommand (or another program) in an
// Arvados container and waits for it to finish.
type arvadosContainerRunner struct {
	Client      *arvados.Client
	Name        string
	OutputName  string
	ProjectUUID string
	VCPUs       int
	RAM         int64
	Prog        string // if empty, run this binary
	Args        []string
	Mounts      map[string]map[string]interface{}
	Priority    int
	KeepCache   int // cache buffers per VCPU (0 for default)
	Preemptible bool
}

func (runner *arvadosContainerRunner) Run() (string, error) {
	return runner.RunContext(context.Background())
}

// RunContext submits a container request and waits for it to reach
// Final state, relaying its stderr along the way. It returns the
// output collection UUID. Cancelling ctx cancels the request.
func (runner *arvadosContainerRunner) RunContext(ctx context.Context) (string, error) {
	if runner.ProjectUUID == "" {
		return "", errors.New("cannot run arvados container: ProjectUUID not provided")
	}
	cr, err := runner.submit()
	if err != nil {
		return "", err
	}
	log.Printf("container request UUID: %s", cr.UUID)
	log.Printf("container UUID: %s", cr.ContainerUUID)

	events := make(chan containerEvent)
	ec := eventClient{Client: runner.Client}
	defer ec.Close()
	subscribed := ""
	defer func() {
		if subscribed != "" {
			ec.Unsubscribe(events, subscribed)
		}
	}()

	tail := logTailer{client: runner.Client}
	lastState := cr.State
	refresh := func() {
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		err := runner.Client.RequestAndDecodeContext(ctx, &cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		if err != nil {
			tail.endLine()
			log.Printf("error getting container request: %s", err)
			return
		}
		if lastState != cr.State {
			tail.endLine()
			log.Printf("container request state: %s", cr.State)
			lastState = cr.State
		}
		if subscribed != cr.ContainerUUID {
			tail.endLine()
			if subscribed != "" {
				log.Printf("unsubscribe container UUID: %s", subscribed)
				ec.Unsubscribe(events, subscribed)
			}
			log.Printf("subscribe container UUID: %s", cr.ContainerUUID)
			ec.Subscribe(events, cr.ContainerUUID)
			subscribed = cr.ContainerUUID
			tail.reset()
		}
	}

	const logWaitMin, logWaitMax = time.Second, 10 * time.Second
	logWait := logWaitMin
	logWaitDone := time.After(logWait)
wait:
	for cr.State != arvados.ContainerRequestStateFinal {
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(&cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{
					"priority": 0,
				},
			})
			if err != nil {
				log.Errorf("error while trying to cancel container request %s: %s", cr.UUID, err)
			}
			break wait
		case <-refreshTicker.C:
			refresh()
		case msg := <-events:
			if msg.EventType == "update" {
				refresh()
			}
		case <-logWaitDone:
			if tail.poll(cr) {
				logWait = logWaitMin
			} else if logWait *= 2; logWait > logWaitMax {
				logWait = logWaitMax
			}
			logWaitDone = time.After(logWait)
		}
	}
	tail.endLine()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	var c arvados.Container
	err = runner.Client.RequestAndDecode(&c, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	} else if c.State != arvados.ContainerStateComplete {
		return "", fmt.Errorf("container did not complete: %s", c.State)
	} else if c.ExitCode != 0 {
		return "", fmt.Errorf("container exited %d", c.ExitCode)
	}
	return cr.OutputUUID, nil
}

func (runner *arvadosContainerRunner) submit() (arvados.ContainerRequest, error) {
	var cr arvados.ContainerRequest
	mounts := map[string]map[string]interface{}{
		"/mnt/output": {
			"kind":     "collection",
			"writable": true,
		},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}

	prog := runner.Prog
	if prog == "" {
		prog = "/mnt/cmd/stratify"
		cmdUUID, err := runner.makeCommandCollection()
		if err != nil {
			return cr, err
		}
		mounts["/mnt/cmd"] = map[string]interface{}{
			"kind": "collection",
			"uuid": cmdUUID,
		}
	}
	command := append([]string{prog}, runner.Args...)

	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	keepCache := runner.KeepCache
	if keepCache < 1 {
		keepCache = 2
	}
	rc := arvados.RuntimeConstraints{
		VCPUs:        runner.VCPUs,
		RAM:          runner.RAM,
		KeepCacheRAM: (1 << 26) * int64(keepCache) * int64(runner.VCPUs),
	}
	var outname interface{}
	if runner.OutputName != "" {
		outname = runner.OutputName
	}
	err := runner.Client.RequestAndDecode(&cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": map[string]interface{}{
			"owner_uuid":          runner.ProjectUUID,
			"name":                runner.Name,
			"container_image":     "stratify-runtime",
			"command":             command,
			"mounts":              mounts,
			"use_existing":        true,
			"output_path":         "/mnt/output",
			"output_name":         outname,
			"runtime_constraints": rc,
			"priority":            priority,
			"state":               arvados.ContainerRequestStateCommitted,
			"scheduling_parameters": arvados.SchedulingParameters{
				Preemptible: runner.Preemptible,
				Partitions:  []string{},
			},
			"environment": map[string]string{
				"GOMAXPROCS": fmt.Sprintf("%d", rc.VCPUs),
			},
			"container_count_max": 1,
		},
	})
	return cr, err
}

var reCrunchstatRSS = regexp.MustCompile(`mem .* (\d+) rss`)

// logTailer copies new lines of a container's stderr log to our
// stderr, and shows its memory use from crunchstat on a status line.
type logTailer struct {
	client      *arvados.Client
	tell        map[string]int64
	needNewline bool
}

func (lt *logTailer) reset() {
	lt.tell = map[string]int64{}
}

// endLine terminates the status line, if one is showing.
func (lt *logTailer) endLine() {
	if lt.needNewline {
		fmt.Fprint(os.Stderr, "\n")
		lt.needNewline = false
	}
}

// poll fetches whatever has been appended to the log files since the
// last call, and reports whether there was anything new.
func (lt *logTailer) poll(cr arvados.ContainerRequest) bool {
	if lt.tell == nil {
		lt.reset()
	}
	any := false
	for _, fnm := range []string{"stderr.txt", "crunchstat.txt"} {
		logdata, err := lt.fetch(cr, fnm)
		if err != nil {
			log.Errorf("error getting log data: %s", err)
			continue
		}
		for {
			eol := bytes.IndexByte(logdata, '\n')
			if eol < 0 {
				break
			}
			line := string(logdata[:eol])
			logdata = logdata[eol+1:]
			lt.tell[fnm] += int64(eol + 1)
			if len(line) == 0 {
				continue
			}
			any = true
			if fnm == "stderr.txt" {
				lt.endLine()
				log.Print(line)
			} else if m := reCrunchstatRSS.FindStringSubmatch(line); m != nil {
				rss, _ := strconv.ParseInt(m[1], 10, 64)
				fmt.Fprintf(os.Stderr, "%s rss %.3f GB           \r", cr.UUID, float64(rss)/1e9)
				lt.needNewline = true
			}
		}
	}
	return any
}

func (lt *logTailer) fetch(cr arvados.ContainerRequest, fnm string) ([]byte, error) {
	req, err := http.NewRequest("GET", "https://"+lt.client.APIHost+"/arvados/v1/container_requests/"+cr.UUID+"/log/"+cr.ContainerUUID+"/"+fnm, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", lt.tell[fnm]))
	resp, err := lt.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if (resp.StatusCode == http.StatusNotFound && lt.tell[fnm] == 0) ||
		(resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && lt.tell[fnm] > 0) {
		return nil, nil
	} else if resp.StatusCode >= 300 {
		return nil, errors.New(resp.Status)
	}
	return io.ReadAll(resp.Body)
}

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

// TranslatePaths rewrites each collection path (".../{uuid or
// pdh}/file") to the path where the collection will be mounted in the
// container, and adds the mount. Empty paths and "-" are left alone.
func (runner *arvadosContainerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = make(map[string]map[string]interface{})
	}
	for _, path := range paths {
		if *path == "" || *path == "-" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find uuid in path: %q", *path)
		}
		collID := m[2]
		mntPath := "/mnt/" + collID
		if _, ok := runner.Mounts[mntPath]; !ok {
			mnt := map[string]interface{}{
				"kind": "collection",
			}
			if len(collID) == 27 {
				mnt["uuid"] = collID
			} else {
				mnt["portable_data_hash"] = collID
			}
			runner.Mounts[mntPath] = mnt
		}
		*path = mntPath + m[3]
	}
	return nil
}

var mtxMakeCommandCollection sync.Mutex

// makeCommandCollection returns the UUID of a collection in the
// project that contains this binary, creating one if needed. The
// BLAKE2b-256 hash of the binary identifies an existing copy.
func (runner *arvadosContainerRunner) makeCommandCollection() (string, error) {
	mtxMakeCommandCollection.Lock()
	defer mtxMakeCommandCollection.Unlock()
	exe, err := ioutil.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	b2 := fmt.Sprintf("%x", blake2b.Sum256(exe))
	cname := "stratify " + cmd.Version.String()
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: cname},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: b2},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		coll := existing.Items[0]
		log.Printf("using stratify binary in existing collection %s (name is %q, hash is %q)", coll.UUID, cname, coll.Properties["blake2b"])
		return coll.UUID, nil
	}
	log.Printf("writing stratify binary to new collection %q", cname)
	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	kc := keepclient.New(ac)
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, kc)
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile("stratify", os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	_, err = f.Write(exe)
	if err != nil {
		f.Close()
		return "", err
	}
	err = f.Close()
	if err != nil {
		return "", err
	}
	mtxt, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": mtxt,
			"name":          cname,
			"properties": map[string]interface{}{
				"blake2b": b2,
			},
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("stored stratify binary in new collection %s", coll.UUID)
	return coll.UUID, nil
}

// zopen returns a reader for the given file, using the arvados API
// instead of arv-mount/fuse where applicable, and transparently
// decompressing the input if fnm ends with ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return gzipr{rdr, f}, nil
}

// gzipr wraps a ReadCloser and a Closer, presenting a single Close()
// method that closes both wrapped objects.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

var (
	keepClient *keepclient.KeepClient
	siteFS     arvados.CustomFileSystem
	siteFSMtx  sync.Mutex
)

type file interface {
	io.ReadCloser
	io.Seeker
	Readdir(n int) ([]os.FileInfo, error)
}

// open opens a local file, or (if ARVADOS_API_HOST is set and fnm
// names a collection) reads it straight from Keep.
func open(fnm string) (file, error) {
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	collectionUUID := m[2]
	collectionPath := m[3]

	siteFSMtx.Lock()
	defer siteFSMtx.Unlock()
	if siteFS == nil {
		log.Info("setting up Arvados client")
		client := arvados.NewClientFromEnv()
		ac, err := arvadosclient.New(client)
		if err != nil {
			return nil, err
		}
		ac.Client = arvados.DefaultSecureClient
		keepClient = keepclient.New(ac)
		// Don't use keepclient's default short timeouts.
		keepClient.HTTPClient = arvados.DefaultSecureClient
		keepClient.BlockCache = &keepclient.BlockCache{MaxBlocks: 4}
		siteFS = client.SiteFileSystem(keepClient)
	} else {
		keepClient.BlockCache.MaxBlocks += 2
	}

	log.Infof("reading %q from %s using Arvados client", collectionPath, collectionUUID)
	f, err := siteFS.Open("by_id/" + collectionUUID + collectionPath)
	if err != nil {
		return nil, err
	}
	return &reduceCacheOnClose{file: f}, nil
}

type reduceCacheOnClose struct {
	file
	once sync.Once
}

func (rc *reduceCacheOnClose) Close() error {
	rc.once.Do(func() {
		siteFSMtx.Lock()
		keepClient.BlockCache.MaxBlocks -= 2
		siteFSMtx.Unlock()
	})
	return rc.file.Close()
}
