package masking

// Document is one tab of a masking session
type Document struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Session holds the documents open as tabs and the active one. It is owned
// by a single caller and is not safe for concurrent use.
type Session struct {
	order  []string
	texts  map[string]string
	active string
}

// NewSession creates a session with the given documents and active tab
func NewSession(docs []Document, active string) *Session {
	s := &Session{texts: make(map[string]string, len(docs))}
	for _, doc := range docs {
		s.Load(doc.ID, doc.Text)
	}
	s.SelectDocument(active)
	return s
}

// Load adds a document to the session. Text of an already loaded document
// is never replaced; Load reports whether the document was added.
func (s *Session) Load(docID, text string) bool {
	if s.texts == nil {
		s.texts = make(map[string]string)
	}
	if _, exists := s.texts[docID]; exists {
		return false
	}
	s.texts[docID] = text
	s.order = append(s.order, docID)
	return true
}

// SelectDocument marks docID as the active tab. Unknown ids are accepted and
// render as an empty preview.
func (s *Session) SelectDocument(docID string) {
	s.active = docID
}

// Active returns the active document id
func (s *Session) Active() string {
	return s.active
}

// Original returns the unmodified text of a loaded document
func (s *Session) Original(docID string) (string, bool) {
	text, ok := s.texts[docID]
	return text, ok
}

// Documents returns the loaded document ids in load order
func (s *Session) Documents() []string {
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}
