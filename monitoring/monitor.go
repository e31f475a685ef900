// Package monitoring serves the driver's runtime state over HTTP for
// external inspection while the device is live.
package monitoring

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"

	// Enable profiling endpoints.
	_ "net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/gpudrv/intelgen/device"
)

// Monitor turns a running device into an HTTP server for status queries,
// diagnostic dumps, and structure inspection.
type Monitor struct {
	dev        *device.Device
	portNumber int

	inspectables map[string]any
}

// NewMonitor creates a monitor; register the device before starting.
func NewMonitor() *Monitor {
	return &Monitor{inspectables: make(map[string]any)}
}

// WithPortNumber sets the server port. Ports below 1000 are rejected and
// replaced with a random port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is not allowed for the monitoring server. "+
				"Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterDevice sets the device being monitored.
func (m *Monitor) RegisterDevice(d *device.Device) {
	m.dev = d
}

// RegisterInspectable exposes an object under /api/inspect/{name}. The
// serializer reads fields concurrently with their owners, so inspection is
// diagnostic-grade only.
func (m *Monitor) RegisterInspectable(name string, obj any) {
	m.inspectables[name] = obj
}

// StartServer starts serving and returns the bound port.
func (m *Monitor) StartServer() int {
	r := mux.NewRouter()

	r.HandleFunc("/api/status", m.status)
	r.HandleFunc("/api/dump", m.dump)
	r.HandleFunc("/api/query/{id}", m.query)
	r.HandleFunc("/api/list_inspectables", m.listInspectables)
	r.HandleFunc("/api/inspect/{name}", m.inspect)
	r.HandleFunc("/api/resource", m.listResources)
	r.PathPrefix("/debug/").Handler(http.DefaultServeMux)
	http.Handle("/", r)

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	port := listener.Addr().(*net.TCPAddr).Port
	fmt.Fprintf(os.Stderr,
		"Monitoring device with http://localhost:%d\n", port)

	go func() {
		err := http.Serve(listener, nil)
		dieOnErr(err)
	}()

	return port
}

func (m *Monitor) status(w http.ResponseWriter, _ *http.Request) {
	snap := m.dev.TakeSnapshot()

	bytes, err := json.Marshal(snap)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) dump(w http.ResponseWriter, _ *http.Request) {
	m.dev.DumpStatusToLog()
	w.WriteHeader(http.StatusAccepted)
}

func (m *Monitor) query(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	val, err := m.dev.Query(id)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	fmt.Fprintf(w, "{\"id\":%d,\"value\":%d}", id, val)
}

func (m *Monitor) listInspectables(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.inspectables))
	for name := range m.inspectables {
		names = append(names, name)
	}

	bytes, err := json.Marshal(names)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) inspect(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	obj, ok := m.inspectables[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Inspectable not found"))
		dieOnErr(err)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(obj)
	serializer.SetMaxDepth(1)

	err := serializer.Serialize(w)
	dieOnErr(err)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memoryInfo, err := proc.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	}

	bytes, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
