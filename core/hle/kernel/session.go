package kernel

import (
	"github.com/Otakusd/citra/core/clog"
	"github.com/Otakusd/citra/core/hle/result"
)

// PortNameMaxLength bounds the name passed to ConnectToPort.
const PortNameMaxLength = 11

// Session links the two endpoints of an IPC session with the port they
// came from. When one endpoint finalizes, its field clears and pending
// peer operations complete with ErrSessionClosedByRemote.
type Session struct {
	Client *ClientSession
	Server *ServerSession
	// Port is the client port the session was connected through, nil for
	// portless sessions.
	Port *ClientPort
}

// ClientPort is the connect-side half of a port.
type ClientPort struct {
	kernelObject

	kernel     *Kernel
	serverPort *ServerPort

	maxSessions    int
	activeSessions int
}

func (p *ClientPort) HandleType() HandleType { return HandleTypeClientPort }

// ServerPort accepts incoming connections; it signals while a pending
// session awaits AcceptSession.
type ServerPort struct {
	waitObject

	pendingSessions []*ServerSession
}

func (p *ServerPort) HandleType() HandleType { return HandleTypeServerPort }

func (p *ServerPort) ShouldWait(t *Thread) bool {
	return len(p.pendingSessions) == 0
}

func (p *ServerPort) Accept() (*ServerSession, result.Code) {
	if len(p.pendingSessions) == 0 {
		return nil, result.ErrNoPendingSessions
	}
	session := p.pendingSessions[len(p.pendingSessions)-1]
	p.pendingSessions = p.pendingSessions[:len(p.pendingSessions)-1]
	return session, result.Success
}

func (p *ServerPort) Acquire(t *Thread) {
	if p.ShouldWait(t) {
		panic("kernel: acquiring unavailable server port")
	}
}

// CreatePortPair makes the two halves of a port with a connection limit.
func (k *Kernel) CreatePortPair(maxSessions int, name string) (*ServerPort, *ClientPort) {
	server := &ServerPort{}
	server.id = k.newObjectID()
	server.name = name + "_Server"
	server.self = server

	client := &ClientPort{kernel: k, serverPort: server, maxSessions: maxSessions}
	client.id = k.newObjectID()
	client.name = name + "_Client"

	return server, client
}

// Connect creates a session through the port, parking it on the server
// port for AcceptSession. Fails when the port is saturated.
func (p *ClientPort) Connect() (*ClientSession, result.Code) {
	if p.activeSessions >= p.maxSessions {
		return nil, result.ErrMaxConnectionsReached
	}
	p.activeSessions++

	server, client := p.kernel.CreateSessionPair(p.Name(), p)
	p.serverPort.pendingSessions = append(p.serverPort.pendingSessions, server)
	p.serverPort.WakeupAllWaitingThreads()
	return client, result.Success
}

// connectionClosed returns a connection slot to the port.
func (p *ClientPort) connectionClosed() {
	if p.activeSessions > 0 {
		p.activeSessions--
	}
}

// ClientSession is the request side of a session.
type ClientSession struct {
	kernelObject

	parent *Session
}

func (s *ClientSession) HandleType() HandleType { return HandleTypeClientSession }

// SendSyncRequest delivers the calling thread's command buffer to the
// session's server endpoint and parks the thread until the reply.
func (s *ClientSession) SendSyncRequest(t *Thread) result.Code {
	if s.parent.Server == nil {
		return result.ErrSessionClosedByRemote
	}
	return s.parent.Server.handleSyncRequest(t)
}

func (s *ClientSession) destroy() {
	s.parent.Client = nil
	if server := s.parent.Server; server != nil {
		// Wake up any waiting server threads so they observe the closed
		// session and fail their receive.
		server.WakeupAllWaitingThreads()
	}
}

// ServerSession is the reply side of a session. It signals while a client
// request is pending and un-signals once a server thread picks it up.
type ServerSession struct {
	waitObject

	kernel *Kernel
	parent *Session

	// pendingRequestingThreads are client threads that issued a sync
	// request not yet picked up by a server thread.
	pendingRequestingThreads []*Thread

	// currentlyHandling is the client thread whose request a server
	// thread is servicing; nil when no request is in flight.
	currentlyHandling *Thread
}

func (s *ServerSession) HandleType() HandleType { return HandleTypeServerSession }

// Parent returns the session triple.
func (s *ServerSession) Parent() *Session { return s.parent }

func (s *ServerSession) ShouldWait(t *Thread) bool {
	// Closed sessions must not wait: the server thread has to wake and
	// observe the closure.
	if s.parent.Client == nil {
		return false
	}
	return len(s.pendingRequestingThreads) == 0
}

func (s *ServerSession) Acquire(t *Thread) {
	if s.ShouldWait(t) {
		panic("kernel: acquiring unavailable server session")
	}
	// A closed session has nothing to dequeue.
	if len(s.pendingRequestingThreads) == 0 {
		return
	}
	s.currentlyHandling = s.pendingRequestingThreads[len(s.pendingRequestingThreads)-1]
	s.pendingRequestingThreads = s.pendingRequestingThreads[:len(s.pendingRequestingThreads)-1]
}

func (s *ServerSession) handleSyncRequest(t *Thread) result.Code {
	if t.status == StatusRunning {
		// Park the client until the server replies.
		t.status = StatusWaitIPC
		s.pendingRequestingThreads = append(s.pendingRequestingThreads, t)
	}
	s.WakeupAllWaitingThreads()
	return result.Success
}

// Reply translates the replying thread's command buffer back into the
// requester's address space and resumes it directly, not through the
// scheduler. Fails when no request is in flight or the client half is
// gone.
func (s *ServerSession) Reply(t *Thread) result.Code {
	request := s.currentlyHandling
	// The request is handled either way.
	s.currentlyHandling = nil
	if request == nil || s.parent.Client == nil {
		return result.ErrSessionClosedByRemote
	}
	code := TranslateCommandBuffer(s.kernel, t, request,
		t.CommandBufferAddress(), request.CommandBufferAddress(), true)
	if code.IsError() {
		// The real kernel panics when the server-to-client translation
		// fails.
		panic("kernel: reply translation failed")
	}
	request.ResumeFromWait()
	return result.Success
}

// Receive performs the receive-side translation after a server thread
// acquired this session.
func (s *ServerSession) Receive(t *Thread) result.Code {
	return receiveIPCRequest(s.kernel, s, t)
}

func (s *ServerSession) destroy() {
	// Resume threads that were still waiting on this session's replies.
	if s.currentlyHandling != nil {
		s.currentlyHandling.SetWaitSynchronizationResult(result.ErrSessionClosedByRemote)
		s.currentlyHandling.ResumeFromWait()
		s.currentlyHandling = nil
	}
	for _, t := range s.pendingRequestingThreads {
		t.SetWaitSynchronizationResult(result.ErrSessionClosedByRemote)
		t.ResumeFromWait()
	}
	s.pendingRequestingThreads = nil

	s.parent.Server = nil
	if s.parent.Port != nil {
		s.parent.Port.connectionClosed()
	}
	clog.Tracef(clog.Kernel, "server session %d closed", s.ObjectID())
}

// CreateSessionPair makes a connected client/server session pair,
// optionally bound to a port.
func (k *Kernel) CreateSessionPair(name string, port *ClientPort) (*ServerSession, *ClientSession) {
	if name == "" {
		name = "Unknown"
	}
	parent := &Session{Port: port}

	server := &ServerSession{kernel: k, parent: parent}
	server.id = k.newObjectID()
	server.name = name + "_Server"
	server.self = server
	parent.Server = server

	client := &ClientSession{parent: parent}
	client.id = k.newObjectID()
	client.name = name + "_Client"
	parent.Client = client

	return server, client
}
