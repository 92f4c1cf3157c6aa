// Package fileserver answers uavcan.protocol.file.Read requests from
// DroneCAN peripherals mid-update, serving firmware images by the 7-char
// path hash BeginFirmwareUpdate handed the peer in place of a real path.
package fileserver

import (
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/cubepilot/batch-firmware-updater/internal/can"
	"github.com/cubepilot/batch-firmware-updater/internal/logging"
)

// Server maps path hashes to the firmware file bytes they resolve to and
// answers file.Read requests against them.
type Server struct {
	mu    sync.Mutex
	files map[string][]byte
	log   *logging.Logger
}

// NewServer returns an empty file server; call Register for each firmware
// path a peer may be told to fetch before updates begin.
func NewServer() *Server {
	return &Server{files: make(map[string][]byte), log: logging.Named("fileserver")}
}

// Register loads path's contents and returns the hash peers should use to
// request it, suitable for passing as BeginFirmwareUpdate's file path.
func (s *Server) Register(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	hash := can.PathHash(path)
	s.mu.Lock()
	s.files[hash] = data
	s.mu.Unlock()
	return hash, nil
}

// Unregister drops a previously registered path hash, e.g. once its update
// completes.
func (s *Server) Unregister(hash string) {
	s.mu.Lock()
	delete(s.files, hash)
	s.mu.Unlock()
}

// Handle is a can.ServiceHandler for DataTypeFileRead.
func (s *Server) Handle(sourceNode uint8, payload []byte) []byte {
	req, err := can.DecodeFileReadRequest(payload)
	if err != nil {
		s.log.Debug("malformed file.Read request", zap.Uint8("node_id", sourceNode), zap.Error(err))
		return can.EncodeFileReadResponse(can.FileReadResponse{Error: 1})
	}

	s.mu.Lock()
	data, ok := s.files[req.Path]
	s.mu.Unlock()
	if !ok {
		return can.EncodeFileReadResponse(can.FileReadResponse{Error: 1})
	}

	if req.Offset >= uint64(len(data)) {
		return can.EncodeFileReadResponse(can.FileReadResponse{Error: 0, Data: nil})
	}
	end := req.Offset + can.FileReadChunkSize
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return can.EncodeFileReadResponse(can.FileReadResponse{Error: 0, Data: data[req.Offset:end]})
}

// Attach registers this server's Handle method as node's file.Read handler.
func (s *Server) Attach(node *can.Node) {
	node.RegisterServiceHandler(can.DataTypeFileRead, s.Handle)
}
