package device

// A Snapshot is a consistent copy of the device's scheduling state, taken
// on the device thread for external observers.
type Snapshot struct {
	DeviceId      uint32 `json:"device_id"`
	SubsliceCount uint32 `json:"subslice_count"`
	EuCount       uint32 `json:"eu_count"`

	LastSubmitted   uint32 `json:"last_submitted"`
	LastCompleted   uint32 `json:"last_completed"`
	InFlight        int    `json:"in_flight"`
	PendingContexts int    `json:"pending_contexts"`
	Deferred        int    `json:"deferred"`
	QueuedRequests  int    `json:"queued_requests"`
	FrequencyMhz    uint32 `json:"frequency_mhz"`
}

type snapshotRequest struct {
	requestBase
	snap Snapshot
}

func (r *snapshotRequest) Name() string { return "snapshot" }

func (r *snapshotRequest) Process(d *Device) error {
	progress := d.render.Progress()

	r.snap = Snapshot{
		DeviceId:        d.deviceId,
		SubsliceCount:   d.subsliceCount,
		EuCount:         d.euCount,
		LastSubmitted:   progress.LastSubmitted(),
		LastCompleted:   progress.LastCompleted(),
		InFlight:        len(d.render.InFlight()),
		PendingContexts: len(d.pending),
		Deferred:        len(d.deferred),
		QueuedRequests:  d.queue.Len(),
		FrequencyMhz:    d.GpuFrequencyMhz(),
	}

	r.signalReply(nil)

	return nil
}

// TakeSnapshot captures the device's current state on the device thread
// and blocks the caller until it is ready.
func (d *Device) TakeSnapshot() Snapshot {
	r := &snapshotRequest{requestBase: makeRequestBase()}
	reply := r.withReply()

	d.queue.Enqueue(r, true)
	reply.Wait()

	return r.snap
}
