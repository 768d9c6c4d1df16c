package server

import (
	"fmt"

	"github.com/aminofox/lanmeet/pkg/errors"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/aminofox/lanmeet/pkg/presenter"
	"github.com/aminofox/lanmeet/pkg/protocol"
	"github.com/aminofox/lanmeet/pkg/room"
	"github.com/aminofox/lanmeet/pkg/session"
)

// dispatch routes one inbound message. The table is total: any type without
// a handler gets an ERROR echoing the type back, never a dropped connection.
func (c *Conn) dispatch(m *protocol.Message) {
	if p := c.getParticipant(); p != nil {
		c.server.sessions.Touch(p.ID)
	}

	switch m.Type {
	case protocol.TypeRegister:
		c.handleRegister(m)
	case protocol.TypeHeartbeat:
		c.handleHeartbeat(m)
	case protocol.TypeRoomCreate:
		c.handleRoomCreate(m)
	case protocol.TypeRoomJoin:
		c.handleRoomJoin(m)
	case protocol.TypeRoomLeave:
		c.handleRoomLeave(m)
	case protocol.TypeRoomList:
		c.handleRoomList(m)
	case protocol.TypeChat:
		c.handleChat(m)
	case protocol.TypeChatHistory:
		c.handleChatHistory(m)
	case protocol.TypeVideoStart, protocol.TypeVideoStop,
		protocol.TypeAudioStart, protocol.TypeAudioStop:
		c.handleMediaFlag(m)
	case protocol.TypeMediaRegister:
		c.handleMediaRegister(m)
	case protocol.TypeScreenShareRequest:
		c.handleScreenShareRequest(m)
	case protocol.TypeScreenShareStop:
		c.handleScreenShareStop(m)
	case protocol.TypeFileOffer:
		c.handleFileOffer(m)
	case protocol.TypeFileRequest:
		c.handleFileRequest(m)
	default:
		c.SendMessage(protocol.NewError(int(errors.ErrCodeUnknownType),
			fmt.Sprintf("unknown message type: %s", m.Type)))
	}
}

func (c *Conn) getParticipant() *session.Participant {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.participant
}

// sendError maps an error to an ERROR reply
func (c *Conn) sendError(err error) {
	c.SendMessage(protocol.NewError(int(errors.GetErrorCode(err)), err.Error()))
}

// requireRegistered returns the participant, or replies NotAuthenticated
func (c *Conn) requireRegistered() *session.Participant {
	p := c.getParticipant()
	if p == nil {
		c.sendError(errors.NewNotAuthenticatedError())
		return nil
	}
	return p
}

// requireInRoom returns the participant and their room, or replies with the
// applicable rejection
func (c *Conn) requireInRoom() (*session.Participant, *room.Room) {
	p := c.requireRegistered()
	if p == nil {
		return nil, nil
	}
	if c.getState() != stateInRoom {
		c.sendError(errors.NewNotInRoomError())
		return nil, nil
	}
	r, err := c.server.rooms.Get(p.Room())
	if err != nil {
		c.sendError(err)
		return nil, nil
	}
	return p, r
}

// handleRegister binds a display name to the connection. On a name collision
// the connection stays open so the client can retry with a different name.
func (c *Conn) handleRegister(m *protocol.Message) {
	if c.getState() != stateConnected {
		c.sendError(errors.New(errors.ErrCodeAlreadyRegistered, "already registered"))
		return
	}

	name := m.GetString("display_name")
	p, err := c.server.sessions.Register(name, c)
	if err != nil {
		c.sendError(err)
		return
	}

	c.stateMu.Lock()
	c.participant = p
	c.state = stateRegistered
	c.stateMu.Unlock()

	c.SendMessage(protocol.NewSuccess(map[string]interface{}{
		"participant_id": p.ID,
		"display_name":   p.DisplayName,
		"wire_id":        p.WireID,
	}))
}

func (c *Conn) handleHeartbeat(m *protocol.Message) {
	p := c.requireRegistered()
	if p == nil {
		return
	}
	// Touch already happened in dispatch; just acknowledge
	c.SendMessage(protocol.New(protocol.TypeHeartbeatAck, nil))
}

// handleRoomCreate creates a room and joins the creator into it
func (c *Conn) handleRoomCreate(m *protocol.Message) {
	p := c.requireRegistered()
	if p == nil {
		return
	}
	if c.getState() == stateInRoom {
		c.sendError(errors.New(errors.ErrCodeAlreadyInRoom, "leave the current room first"))
		return
	}

	maxParticipants := m.GetInt("max_participants")
	if maxParticipants <= 0 {
		maxParticipants = c.server.cfg.Rooms.DefaultMaxParticipants
	}

	r, err := c.server.rooms.Create(m.GetString("name"), p.ID, m.GetString("password"), maxParticipants)
	if err != nil {
		c.sendError(err)
		return
	}
	if _, err := c.server.rooms.Join(r.ID, p, m.GetString("password")); err != nil {
		c.sendError(err)
		return
	}

	c.setState(stateInRoom)

	c.SendMessage(protocol.NewSuccess(map[string]interface{}{
		"room_id":          r.ID,
		"name":             r.Name,
		"max_participants": r.MaxParticipants,
		"is_private":       r.IsPrivate,
	}))
}

func (c *Conn) handleRoomJoin(m *protocol.Message) {
	p := c.requireRegistered()
	if p == nil {
		return
	}
	if c.getState() == stateInRoom {
		c.sendError(errors.New(errors.ErrCodeAlreadyInRoom, "leave the current room first"))
		return
	}

	r, err := c.server.rooms.Join(m.GetString("room_id"), p, m.GetString("password"))
	if err != nil {
		c.sendError(err)
		return
	}

	c.setState(stateInRoom)

	members := c.memberInfos(r)
	c.SendMessage(protocol.NewSuccess(map[string]interface{}{
		"room_id":      r.ID,
		"name":         r.Name,
		"members":      members,
		"presenter_id": r.Presenter(),
	}))

	joined := protocol.New(protocol.TypeUserJoined, map[string]interface{}{
		"participant_id": p.ID,
		"display_name":   p.DisplayName,
		"wire_id":        p.WireID,
	})
	joined.RoomID = r.ID
	c.server.broadcast(r, joined, p.ID)
}

func (c *Conn) handleRoomLeave(m *protocol.Message) {
	p, _ := c.requireInRoom()
	if p == nil {
		return
	}

	c.server.leaveRoom(p, false)
	c.setState(stateRegistered)
	c.SendMessage(protocol.NewSuccess(nil))
}

func (c *Conn) handleRoomList(m *protocol.Message) {
	if p := c.requireRegistered(); p == nil {
		return
	}

	rooms := c.server.rooms.List()
	list := make([]map[string]interface{}, 0, len(rooms))
	for _, r := range rooms {
		list = append(list, map[string]interface{}{
			"room_id":          r.ID,
			"name":             r.Name,
			"member_count":     r.MemberCount(),
			"max_participants": r.MaxParticipants,
			"is_private":       r.IsPrivate,
		})
	}
	c.SendMessage(protocol.New(protocol.TypeRoomList, map[string]interface{}{
		"rooms": list,
	}))
}

func (c *Conn) handleChat(m *protocol.Message) {
	p, r := c.requireInRoom()
	if p == nil {
		return
	}

	entry, err := r.AppendChat(p.ID, p.DisplayName, m.GetString("text"))
	if err != nil {
		c.sendError(err)
		return
	}

	out := protocol.New(protocol.TypeChat, map[string]interface{}{
		"sender_id":   entry.SenderID,
		"sender_name": entry.SenderName,
		"text":        entry.Text,
	})
	out.Sender = p.ID
	out.RoomID = r.ID
	c.server.broadcast(r, out, p.ID)
	c.SendMessage(protocol.NewSuccess(nil))
}

func (c *Conn) handleChatHistory(m *protocol.Message) {
	_, r := c.requireInRoom()
	if r == nil {
		return
	}

	history := r.History()
	entries := make([]map[string]interface{}, 0, len(history))
	for _, e := range history {
		entries = append(entries, map[string]interface{}{
			"sender_id":   e.SenderID,
			"sender_name": e.SenderName,
			"text":        e.Text,
			"timestamp":   float64(e.Timestamp.UnixNano()) / 1e9,
		})
	}
	c.SendMessage(protocol.New(protocol.TypeChatHistory, map[string]interface{}{
		"entries": entries,
	}))
}

// handleMediaFlag flips the sender's video/audio flag and tells the room
func (c *Conn) handleMediaFlag(m *protocol.Message) {
	p, r := c.requireInRoom()
	if p == nil {
		return
	}

	switch m.Type {
	case protocol.TypeVideoStart:
		p.SetVideoEnabled(true)
	case protocol.TypeVideoStop:
		p.SetVideoEnabled(false)
	case protocol.TypeAudioStart:
		p.SetAudioEnabled(true)
	case protocol.TypeAudioStop:
		p.SetAudioEnabled(false)
	}

	out := protocol.New(m.Type, map[string]interface{}{
		"participant_id": p.ID,
	})
	out.Sender = p.ID
	out.RoomID = r.ID
	c.server.broadcast(r, out, p.ID)
	c.SendMessage(protocol.NewSuccess(nil))
}

// handleMediaRegister hands the client its datagram header handle and the
// ports the relay actually bound. The UDP endpoint itself is learned from
// the client's first datagram.
func (c *Conn) handleMediaRegister(m *protocol.Message) {
	p := c.requireRegistered()
	if p == nil {
		return
	}

	c.SendMessage(protocol.NewSuccess(map[string]interface{}{
		"wire_id":    p.WireID,
		"video_port": c.server.media.VideoPort(),
		"audio_port": c.server.media.AudioPort(),
	}))
}

// handleScreenShareRequest grants the room's presenter slot first come first
// served and opens the presentation relay
func (c *Conn) handleScreenShareRequest(m *protocol.Message) {
	p, r := c.requireInRoom()
	if p == nil {
		return
	}

	if err := r.RequestPresenter(p.ID); err != nil {
		denied := protocol.New(protocol.TypeScreenShareDenied, map[string]interface{}{
			"code":   int(errors.GetErrorCode(err)),
			"reason": err.Error(),
		})
		denied.RoomID = r.ID
		c.SendMessage(denied)
		return
	}

	sess, err := c.server.presenters.Start(r.ID, p.ID, c.server.presentationStopped)
	if err != nil {
		r.ReleasePresenter(p.ID)
		c.sendError(err)
		return
	}
	p.SetScreenSharing(true)

	granted := protocol.New(protocol.TypeScreenShareGranted, map[string]interface{}{
		"presenter_id":   p.ID,
		"presenter_port": sess.FramePort,
		"viewer_port":    sess.ViewPort,
	})
	granted.RoomID = r.ID
	c.SendMessage(granted)
	c.server.broadcast(r, granted, p.ID)
}

func (c *Conn) handleScreenShareStop(m *protocol.Message) {
	p, r := c.requireInRoom()
	if p == nil {
		return
	}

	if err := c.server.presenters.Stop(r.ID, p.ID); err != nil {
		c.sendError(err)
		return
	}
	c.SendMessage(protocol.NewSuccess(nil))
}

// handleFileOffer allocates an upload port and records the pending transfer
func (c *Conn) handleFileOffer(m *protocol.Message) {
	p, r := c.requireInRoom()
	if p == nil {
		return
	}

	t, err := c.server.transfers.OfferUpload(
		p.ID, r.ID,
		m.GetString("filename"),
		m.GetInt64("size"),
		m.GetString("checksum"),
	)
	if err != nil {
		c.sendError(err)
		return
	}

	c.SendMessage(protocol.New(protocol.TypeFileUploadPort, map[string]interface{}{
		"transfer_id": t.ID,
		"file_id":     t.FileID,
		"port":        t.Port,
	}))
}

// handleFileRequest serves a shared file back over a dedicated port
func (c *Conn) handleFileRequest(m *protocol.Message) {
	p, r := c.requireInRoom()
	if p == nil {
		return
	}

	meta, err := r.SharedFile(m.GetString("file_id"))
	if err != nil {
		c.sendError(err)
		return
	}

	t, err := c.server.transfers.ServeDownload(p.ID, meta)
	if err != nil {
		c.sendError(err)
		return
	}

	c.SendMessage(protocol.New(protocol.TypeFileDownloadPort, map[string]interface{}{
		"transfer_id": t.ID,
		"file_id":     meta.ID,
		"filename":    meta.Name,
		"size":        meta.Size,
		"checksum":    meta.Checksum,
		"port":        t.Port,
	}))
}

// leaveRoom removes the participant from their room, tears down their
// presentation if they held the slot, and broadcasts USER_LEFT to the
// remaining members. Used by both the explicit leave and the disconnect
// cascade; a no-op when the participant carries no room back-reference, and
// the membership removal arbitrates so USER_LEFT goes out at most once.
func (s *Server) leaveRoom(p *session.Participant, disconnected bool) {
	roomID := p.Room()
	if roomID == "" {
		return
	}

	r, wasPresenter, err := s.rooms.Leave(roomID, p.ID)
	if err != nil {
		p.SetRoom("")
		return
	}
	p.SetRoom("")

	if wasPresenter {
		s.presenters.StopRoom(roomID)
	}

	left := protocol.New(protocol.TypeUserLeft, map[string]interface{}{
		"participant_id": p.ID,
		"display_name":   p.DisplayName,
		"disconnected":   disconnected,
	})
	left.RoomID = r.ID
	s.broadcast(r, left, p.ID)
}

// presentationStopped is the teardown hook for every presentation session:
// release the room's slot, clear the presenter's flag, tell the room
func (s *Server) presentationStopped(sess *presenter.Session) {
	if r, err := s.rooms.Get(sess.RoomID); err == nil {
		r.ReleasePresenter(sess.PresenterID)

		stopped := protocol.New(protocol.TypePresentationStop, map[string]interface{}{
			"presenter_id": sess.PresenterID,
		})
		stopped.RoomID = sess.RoomID
		s.broadcast(r, stopped)
	}

	if p, err := s.sessions.Get(sess.PresenterID); err == nil {
		p.SetScreenSharing(false)
	}

	s.logger.Info("Presentation ended",
		logger.String("room_id", sess.RoomID),
		logger.String("presenter_id", sess.PresenterID),
	)
}

// memberInfos snapshots a room's membership for a join reply
func (c *Conn) memberInfos(r *room.Room) []map[string]interface{} {
	members := r.Members()
	infos := make([]map[string]interface{}, 0, len(members))
	for _, id := range members {
		p, err := c.server.sessions.Get(id)
		if err != nil {
			continue
		}
		info := p.Snapshot()
		infos = append(infos, map[string]interface{}{
			"participant_id": info.ID,
			"display_name":   info.DisplayName,
			"wire_id":        info.WireID,
			"video_enabled":  info.VideoEnabled,
			"audio_enabled":  info.AudioEnabled,
			"screen_sharing": info.ScreenSharing,
		})
	}
	return infos
}
