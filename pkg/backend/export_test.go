package backend

// MemServer is an in-memory remote server for tests in backend_test.
type MemServer struct {
	conn *fakeConn
	root string
}

func NewMemServer(root string) *MemServer {
	return &MemServer{conn: newFakeConn(root), root: root}
}

// Open returns a new connection handle with its own listing cache.
func (m *MemServer) Open(opts Options) Backend {
	return newRemote(m.conn, m.root, opts)
}
