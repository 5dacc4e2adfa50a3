package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shaunagostinho/espfleet/internal/board"
	"github.com/shaunagostinho/espfleet/internal/firmware"
	"github.com/shaunagostinho/espfleet/internal/flash"
)

// ServerInfo accompanies every board listing.
type ServerInfo struct {
	Version     string `json:"version"`
	Hostname    string `json:"hostname"`
	LastScan    string `json:"last_scan"`
	TotalBoards int    `json:"total_boards"`
}

// BoardListResponse is the /api/v1/boards payload.
type BoardListResponse struct {
	Boards     []board.Board `json:"boards"`
	ServerInfo ServerInfo    `json:"server_info"`
}

func (s *Server) serverInfo(total int) ServerInfo {
	hostname, _ := os.Hostname()
	lastScan := ""
	if t := s.state.LastScan(); !t.IsZero() {
		lastScan = t.Format(time.RFC3339)
	}
	return ServerInfo{
		Version:     Version,
		Hostname:    hostname,
		LastScan:    lastScan,
		TotalBoards: total,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
}

func (s *Server) handleListBoards(c *gin.Context) {
	boards := s.state.Boards()
	c.JSON(http.StatusOK, BoardListResponse{
		Boards:     boards,
		ServerInfo: s.serverInfo(len(boards)),
	})
}

func (s *Server) handleScan(c *gin.Context) {
	n, err := s.scanOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": err.Error()})
		return
	}
	boards := s.state.Boards()
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"boards_found": n,
		"boards":       boards,
		"server_info":  s.serverInfo(len(boards)),
	})
}

func (s *Server) handleGetBoard(c *gin.Context) {
	b, ok := s.state.Board(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "board not found: " + c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, b)
}

// flashBinary is one segment of a JSON flash request. Data is base64.
type flashBinary struct {
	Offset   string `json:"offset"`
	Name     string `json:"name"`
	FileName string `json:"filename"`
	Data     string `json:"data"`
}

// flashJSON is the JSON flash request body. Exactly one of BinaryData
// (legacy) or Binaries (explicit) should be populated.
type flashJSON struct {
	BoardID    string        `json:"board_id"`
	BinaryData string        `json:"binary_data,omitempty"`
	Binaries   []flashBinary `json:"binaries,omitempty"`
	FullImage  bool          `json:"full_image,omitempty"`
	FlashMode  string        `json:"flash_mode"`
	FlashFreq  string        `json:"flash_freq"`
	FlashSize  string        `json:"flash_size"`
}

func (s *Server) handleFlash(c *gin.Context) {
	var req flash.Request
	var fullImage bool
	var err error
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		req, fullImage, err = s.parseFlashMultipart(c)
	} else {
		req, fullImage, err = s.parseFlashJSON(c)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.FlashMode == "" {
		req.FlashMode = "dio"
	}
	if req.FlashFreq == "" {
		req.FlashFreq = "40m"
	}
	if req.FlashSize == "" {
		req.FlashSize = "detect"
	}

	if fail, ok := s.checkBinarySizes(req); !ok {
		c.JSON(http.StatusOK, fail)
		return
	}
	if fullImage {
		var fail *flash.Response
		req, fail = s.assembleFullImage(req)
		if fail != nil {
			c.JSON(http.StatusOK, fail)
			return
		}
	}
	c.JSON(http.StatusOK, s.flasher.Flash(c.Request.Context(), req))
}

// assembleFullImage expands a single application binary into the
// complete bootloader + partition table + app plan, using the chip
// identity from the board's last scan.
func (s *Server) assembleFullImage(req flash.Request) (flash.Request, *flash.Response) {
	fail := func(format string, args ...any) (flash.Request, *flash.Response) {
		return req, &flash.Response{Success: false, Message: fmt.Sprintf(format, args...)}
	}
	b, ok := s.state.Board(req.BoardID)
	if !ok {
		return fail("%v: %s", board.ErrNotFound, req.BoardID)
	}
	if len(req.Segments) != 1 {
		return fail("full image flash takes exactly one application binary, got %d", len(req.Segments))
	}
	flashSize := firmware.ParseFlashSize(req.FlashSize)
	if flashSize == 0 {
		flashSize = firmware.ParseFlashSize(b.FlashSize)
	}
	segs, err := firmware.Assemble(firmware.BuildInput{
		Chip:      b.ChipType,
		XtalMHz:   firmware.ParseCrystalMHz(b.CrystalFreq),
		FlashSize: flashSize,
		App:       req.Segments[0].Data,
		AppOffset: req.Segments[0].Offset,
	})
	if err != nil {
		return fail("image assembly failed: %v", err)
	}
	req.Segments = segs
	return req, nil
}

func (s *Server) checkBinarySizes(req flash.Request) (flash.Response, bool) {
	max := s.cfg.MaxBinarySizeMB << 20
	for i, seg := range req.Segments {
		if len(seg.Data) > max {
			return flash.Response{
				Success: false,
				Message: fmt.Sprintf("segment %d:%s exceeds %d MB limit", i, seg.Name, s.cfg.MaxBinarySizeMB),
			}, false
		}
	}
	return flash.Response{}, true
}

func (s *Server) parseFlashJSON(c *gin.Context) (flash.Request, bool, error) {
	var body flashJSON
	if err := c.ShouldBindJSON(&body); err != nil {
		return flash.Request{}, false, err
	}
	if body.BoardID == "" {
		return flash.Request{}, false, fmt.Errorf("board_id is required")
	}

	if body.BinaryData != "" {
		data, err := base64.StdEncoding.DecodeString(body.BinaryData)
		if err != nil {
			return flash.Request{}, false, fmt.Errorf("binary_data: %w", err)
		}
		req := flash.LegacyRequest(body.BoardID, data)
		req.FlashMode, req.FlashFreq, req.FlashSize = body.FlashMode, body.FlashFreq, body.FlashSize
		return req, body.FullImage, nil
	}

	req := flash.Request{
		BoardID:   body.BoardID,
		FlashMode: body.FlashMode,
		FlashFreq: body.FlashFreq,
		FlashSize: body.FlashSize,
	}
	for i, bin := range body.Binaries {
		offset, err := parseOffset(bin.Offset)
		if err != nil {
			return flash.Request{}, false, fmt.Errorf("binaries[%d].offset: %w", i, err)
		}
		data, err := base64.StdEncoding.DecodeString(bin.Data)
		if err != nil {
			return flash.Request{}, false, fmt.Errorf("binaries[%d].data: %w", i, err)
		}
		req.Segments = append(req.Segments, firmware.Segment{
			Offset:   offset,
			Name:     bin.Name,
			FileName: bin.FileName,
			Data:     data,
		})
	}
	return req, body.FullImage, nil
}

// parseFlashMultipart handles both multipart shapes: legacy with a
// single binary_file field, and multi-segment with binary_count plus
// numbered binary_{i} file parts.
func (s *Server) parseFlashMultipart(c *gin.Context) (flash.Request, bool, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return flash.Request{}, false, err
	}
	value := func(key string) string {
		if v, ok := form.Value[key]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}

	boardID := value("board_id")
	if boardID == "" {
		return flash.Request{}, false, fmt.Errorf("board_id is required")
	}
	fullImage := value("full_image") == "true"

	req := flash.Request{
		BoardID:   boardID,
		FlashMode: value("flash_mode"),
		FlashFreq: value("flash_freq"),
		FlashSize: value("flash_size"),
	}

	readFile := func(field string) ([]byte, string, error) {
		files, ok := form.File[field]
		if !ok || len(files) == 0 {
			return nil, "", fmt.Errorf("missing file field %q", field)
		}
		f, err := files[0].Open()
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		return data, files[0].Filename, err
	}

	// Legacy shape: one implicit application segment.
	if _, ok := form.File["binary_file"]; ok {
		data, filename, err := readFile("binary_file")
		if err != nil {
			return flash.Request{}, false, err
		}
		legacy := flash.LegacyRequest(boardID, data)
		legacy.Segments[0].FileName = filename
		legacy.FlashMode, legacy.FlashFreq, legacy.FlashSize = req.FlashMode, req.FlashFreq, req.FlashSize
		return legacy, fullImage, nil
	}

	count, err := strconv.Atoi(value("binary_count"))
	if err != nil {
		return flash.Request{}, false, fmt.Errorf("binary_count: %w", err)
	}
	for i := 0; i < count; i++ {
		data, filename, err := readFile(fmt.Sprintf("binary_%d", i))
		if err != nil {
			return flash.Request{}, false, err
		}
		offset, err := parseOffset(value(fmt.Sprintf("binary_%d_offset", i)))
		if err != nil {
			return flash.Request{}, false, fmt.Errorf("binary_%d_offset: %w", i, err)
		}
		name := value(fmt.Sprintf("binary_%d_name", i))
		if v := value(fmt.Sprintf("binary_%d_filename", i)); v != "" {
			filename = v
		}
		req.Segments = append(req.Segments, firmware.Segment{
			Offset:   offset,
			Name:     name,
			FileName: filename,
			Data:     data,
		})
	}
	return req, fullImage, nil
}

// parseOffset accepts decimal or 0x-prefixed hex flash addresses.
func parseOffset(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty offset")
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	n, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

type resetRequest struct {
	BoardID string `json:"board_id" binding:"required"`
}

func (s *Server) handleReset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	port, ok := s.state.PortFor(req.BoardID)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": fmt.Sprintf("%v: %s", board.ErrNotFound, req.BoardID)})
		return
	}
	if !s.state.TryLockBoard(req.BoardID) {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": fmt.Sprintf("%v: %s", board.ErrBusy, req.BoardID)})
		return
	}
	defer s.state.UnlockBoard(req.BoardID)

	if err := flash.Reset(port); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "reset failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "board reset"})
}

type monitorStartRequest struct {
	BoardID     string   `json:"board_id" binding:"required"`
	BaudRate    int      `json:"baud_rate"`
	Filters     []string `json:"filters"`
	TimeoutSecs int      `json:"timeout_secs"`
}

type monitorResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	SessionID    string `json:"session_id,omitempty"`
	WebSocketURL string `json:"websocket_url,omitempty"`
}

func (s *Server) handleMonitorStart(c *gin.Context) {
	var req monitorStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// Sessions outlive the start request; they end on stop, sweep, or
	// their own timeout.
	timeout := time.Duration(req.TimeoutSecs) * time.Second
	sess, err := s.monitors.Start(context.Background(), req.BoardID, req.BaudRate, req.Filters, timeout)
	if err != nil {
		c.JSON(http.StatusOK, monitorResponse{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, monitorResponse{
		Success:      true,
		Message:      "monitoring started",
		SessionID:    sess.ID,
		WebSocketURL: "/ws/monitor/" + sess.ID,
	})
}

type sessionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

func (s *Server) handleMonitorStop(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.monitors.Stop(req.SessionID); err != nil {
		c.JSON(http.StatusOK, monitorResponse{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, monitorResponse{Success: true, Message: "monitoring stopped", SessionID: req.SessionID})
}

func (s *Server) handleMonitorKeepAlive(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.monitors.KeepAlive(req.SessionID); err != nil {
		c.JSON(http.StatusOK, monitorResponse{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, monitorResponse{Success: true, Message: "keepalive accepted", SessionID: req.SessionID})
}

func (s *Server) handleMonitorSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.monitors.Sessions()})
}

type assignRequest struct {
	BoardID     string `json:"board_id" binding:"required"`
	LogicalName string `json:"logical_name" binding:"required"`
}

// handleAssignBoard gives a board a persistent logical name. The
// assignment is keyed by port path, so it survives rescans and
// restarts.
func (s *Server) handleAssignBoard(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	port, ok := s.state.PortFor(req.BoardID)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": fmt.Sprintf("%v: %s", board.ErrNotFound, req.BoardID)})
		return
	}
	if err := s.cfg.SetMapping(port, req.LogicalName); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "saving assignment: " + err.Error()})
		return
	}
	s.state.SetLogicalName(req.BoardID, req.LogicalName)
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"message":      "board assigned",
		"board_id":     req.BoardID,
		"logical_name": req.LogicalName,
	})
}

// handleUnassignBoard removes a board's logical name assignment.
func (s *Server) handleUnassignBoard(c *gin.Context) {
	id := c.Param("id")
	port, ok := s.state.PortFor(id)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": fmt.Sprintf("%v: %s", board.ErrNotFound, id)})
		return
	}
	if err := s.cfg.DeleteMapping(port); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "saving assignment: " + err.Error()})
		return
	}
	s.state.SetLogicalName(id, "")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "assignment removed", "board_id": id})
}
