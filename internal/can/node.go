package can

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cubepilot/batch-firmware-updater/internal/logging"
)

// DataTypeAllocation is uavcan.protocol.dynamic_node_id.Allocation, a
// broadcast message. This updater implements a single-shot variant of the
// allocation exchange (whole unique_id in one transfer) rather than the
// three-stage anonymous discriminator handshake real UAVCAN networks use,
// since it only ever allocates against its own peripherals on a closed bus.
const DataTypeAllocation = 1

// DefaultNodeStatusInterval is how often the runtime broadcasts its own
// NodeStatus once started.
const DefaultNodeStatusInterval = 1 * time.Second

const allocationPoolStart = 21
const allocationPoolEnd = 125

// ServiceHandler answers an inbound service request and returns the
// response payload to send back.
type ServiceHandler func(sourceNode uint8, payload []byte) []byte

// MessageHandler observes an inbound broadcast message.
type MessageHandler func(sourceNode uint8, payload []byte)

type reassemblyKey struct {
	source    uint8
	typeID    uint16
	isService bool
	dest      uint8
	isRequest bool
}

type pendingKey struct {
	dest   uint8
	typeID uint8
	tid    uint8
}

// Node is the CAN node runtime: it owns one Transport, emits this process's
// own NodeStatus, dispatches inbound transfers to registered handlers, and
// correlates outgoing service requests with their responses.
type Node struct {
	transport   *Transport
	localNodeID uint8
	log         *logging.Logger

	mu               sync.Mutex
	reassemblers     map[reassemblyKey]*reassembler
	transferCounters map[uint32]uint8
	pending          map[pendingKey]chan []byte

	msgHandlers map[uint16]MessageHandler
	svcHandlers map[uint8]ServiceHandler

	alloc *allocator

	startOnce sync.Once
	startTime time.Time
}

// NewNode constructs a node runtime bound to transport, identifying as
// localNodeID on the bus.
func NewNode(transport *Transport, localNodeID uint8) *Node {
	return &Node{
		transport:        transport,
		localNodeID:      localNodeID,
		log:              logging.Named("can"),
		reassemblers:     make(map[reassemblyKey]*reassembler),
		transferCounters: make(map[uint32]uint8),
		pending:          make(map[pendingKey]chan []byte),
		msgHandlers:      make(map[uint16]MessageHandler),
		svcHandlers:      make(map[uint8]ServiceHandler),
	}
}

// RegisterMessageHandler installs fn for every decoded message transfer of
// the given data type id.
func (n *Node) RegisterMessageHandler(typeID uint16, fn MessageHandler) {
	n.mu.Lock()
	n.msgHandlers[typeID] = fn
	n.mu.Unlock()
}

// RegisterServiceHandler installs fn to answer inbound requests of the
// given service data type id addressed to this node.
func (n *Node) RegisterServiceHandler(typeID uint8, fn ServiceHandler) {
	n.mu.Lock()
	n.svcHandlers[typeID] = fn
	n.mu.Unlock()
}

// EnableAllocator turns this node into the bus's dynamic node-ID allocator.
func (n *Node) EnableAllocator() {
	n.mu.Lock()
	n.alloc = newAllocator()
	n.mu.Unlock()
	n.RegisterMessageHandler(DataTypeAllocation, n.handleAllocationRequest)
}

// Run drives the receive loop and the periodic NodeStatus broadcast until
// ctx is cancelled. It is safe to call exactly once per Node.
func (n *Node) Run(ctx context.Context) error {
	var runErr error
	n.startOnce.Do(func() {
		n.startTime = time.Now()
		runErr = n.run(ctx)
	})
	return runErr
}

func (n *Node) run(ctx context.Context) error {
	ticker := time.NewTicker(DefaultNodeStatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.broadcastNodeStatus()
		default:
		}

		f, ok, err := n.transport.Recv()
		if err != nil {
			n.log.Warn("recv error", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}
		n.dispatch(f)
	}
}

func (n *Node) broadcastNodeStatus() {
	status := NodeStatus{
		UptimeSec: uint32(time.Since(n.startTime).Seconds()),
		Health:    0,
		Mode:      ModeOperational,
	}
	n.sendMessage(DataTypeNodeStatus, encodeNodeStatus(status))
}

func (n *Node) dispatch(f Frame) {
	priority, isService, typeID, isRequest, dest, source := decodeCANID(f.ID)
	_ = priority

	key := reassemblyKey{source: source, typeID: typeID, isService: isService, dest: dest, isRequest: isRequest}

	n.mu.Lock()
	r, ok := n.reassemblers[key]
	if !ok {
		r = &reassembler{}
		n.reassemblers[key] = r
	}
	n.mu.Unlock()

	payload, done, err := r.feed(f.Data)
	if err != nil {
		n.log.Debug("transfer reassembly error", zap.Error(err))
		return
	}
	if !done {
		return
	}

	if !isService {
		n.mu.Lock()
		handler := n.msgHandlers[typeID]
		n.mu.Unlock()
		if handler != nil {
			handler(source, payload)
		}
		return
	}

	if dest != n.localNodeID {
		return
	}

	if isRequest {
		n.mu.Lock()
		handler := n.svcHandlers[uint8(typeID)]
		n.mu.Unlock()
		if handler == nil {
			return
		}
		resp := handler(source, payload)
		tid := f.Data[len(f.Data)-1] & 0x1F
		n.sendService(uint8(typeID), false, source, resp, tid)
		return
	}

	tid := f.Data[len(f.Data)-1] & 0x1F
	pk := pendingKey{dest: source, typeID: uint8(typeID), tid: tid}
	n.mu.Lock()
	ch, ok := n.pending[pk]
	n.mu.Unlock()
	if ok {
		ch <- payload
	}
}

func (n *Node) nextTransferID(counterKey uint32) uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	tid := n.transferCounters[counterKey]
	n.transferCounters[counterKey] = (tid + 1) & 0x1F
	return tid
}

func (n *Node) sendMessage(typeID uint16, payload []byte) {
	tid := n.nextTransferID(uint32(typeID))
	id := messageCANID(DefaultPriority, typeID, n.localNodeID)
	for _, f := range splitTransfer(id, payload, tid) {
		if err := n.transport.Send(f); err != nil {
			n.log.Warn("send message failed", zap.Error(err))
			return
		}
	}
}

func (n *Node) sendService(typeID uint8, isRequest bool, dest uint8, payload []byte, tid uint8) {
	id := serviceCANID(DefaultPriority, typeID, isRequest, dest, n.localNodeID)
	for _, f := range splitTransfer(id, payload, tid) {
		if err := n.transport.Send(f); err != nil {
			n.log.Warn("send service failed", zap.Error(err))
			return
		}
	}
}

// ErrRequestTimeout is returned by Request when no response arrives in time.
var ErrRequestTimeout = fmt.Errorf("can: request timed out")

// Request sends a service request of typeID to dest and blocks for the
// matching response, up to timeout.
func (n *Node) Request(ctx context.Context, dest uint8, typeID uint8, payload []byte, timeout time.Duration) ([]byte, error) {
	tid := n.nextTransferID(uint32(typeID)<<8 | uint32(dest))
	pk := pendingKey{dest: dest, typeID: typeID, tid: tid}

	ch := make(chan []byte, 1)
	n.mu.Lock()
	n.pending[pk] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, pk)
		n.mu.Unlock()
	}()

	n.sendService(typeID, true, dest, payload, tid)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetNodeInfo requests and decodes a peer's uavcan.protocol.GetNodeInfo.
func (n *Node) GetNodeInfo(ctx context.Context, dest uint8, timeout time.Duration) (GetNodeInfoResponse, error) {
	payload, err := n.Request(ctx, dest, DataTypeGetNodeInfo, nil, timeout)
	if err != nil {
		return GetNodeInfoResponse{}, err
	}
	return decodeGetNodeInfoResponse(payload)
}

// RestartNode sends uavcan.protocol.RestartNode to dest with the standard
// magic number and returns whether the peer accepted the restart.
func (n *Node) RestartNode(ctx context.Context, dest uint8, timeout time.Duration) (bool, error) {
	payload := encodeRestartNodeRequest(RestartNodeRequest{MagicNumber: RestartMagicNumber})
	resp, err := n.Request(ctx, dest, DataTypeRestartNode, payload, timeout)
	if err != nil {
		return false, err
	}
	if len(resp) < 1 {
		return false, fmt.Errorf("can: short RestartNode.Response payload")
	}
	return resp[0] != 0, nil
}

// SetParam sends uavcan.protocol.param.GetSet to dest to write an integer
// parameter and returns the raw response payload.
func (n *Node) SetParam(ctx context.Context, dest uint8, name string, value int64, timeout time.Duration) ([]byte, error) {
	payload := encodeParamGetSetRequest(ParamGetSetRequest{Name: name, HasValue: true, IntValue: value})
	return n.Request(ctx, dest, DataTypeParamGetSet, payload, timeout)
}

// BeginFirmwareUpdate sends uavcan.protocol.file.BeginFirmwareUpdate to dest.
func (n *Node) BeginFirmwareUpdate(ctx context.Context, dest uint8, path string, timeout time.Duration) (BeginFirmwareUpdateResponse, error) {
	payload := encodeBeginFirmwareUpdateRequest(BeginFirmwareUpdateRequest{SourceNodeID: n.localNodeID, Path: path})
	resp, err := n.Request(ctx, dest, DataTypeFileBeginFirmwareUpdate, payload, timeout)
	if err != nil {
		return BeginFirmwareUpdateResponse{}, err
	}
	return decodeBeginFirmwareUpdateResponse(resp)
}

// --- dynamic node-ID allocation -------------------------------------------

type allocator struct {
	mu       sync.Mutex
	assigned map[string]uint8 // hex unique_id -> node id
	nextFree uint8
}

func newAllocator() *allocator {
	return &allocator{assigned: make(map[string]uint8), nextFree: allocationPoolStart}
}

func (a *allocator) assign(uniqueID []byte) uint8 {
	key := hex.EncodeToString(uniqueID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.assigned[key]; ok {
		return id
	}
	id := a.nextFree
	a.nextFree++
	if a.nextFree > allocationPoolEnd {
		a.nextFree = allocationPoolStart
	}
	a.assigned[key] = id
	return id
}

func (n *Node) handleAllocationRequest(_ uint8, payload []byte) {
	n.mu.Lock()
	alloc := n.alloc
	n.mu.Unlock()
	if alloc == nil || len(payload) < 17 {
		return
	}
	uniqueID := append([]byte(nil), payload[1:17]...)
	nodeID := alloc.assign(uniqueID)

	resp := make([]byte, 17)
	resp[0] = nodeID
	copy(resp[1:], uniqueID)
	n.sendMessage(DataTypeAllocation, resp)
	n.log.Info("allocated node id", zap.Uint8("node_id", nodeID))
}

// RequestAllocation is the peripheral-side half of the single-shot
// allocation exchange: it broadcasts uniqueID and returns; it does not wait
// for the allocator's response.
func (n *Node) RequestAllocation(uniqueID []byte) {
	payload := make([]byte, 17)
	copy(payload[1:], uniqueID)
	n.sendMessage(DataTypeAllocation, payload)
}
