package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPublication ResultType = "publication"
	ResultComment     ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type          ResultType `json:"type"`
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Snippet       string     `json:"snippet"`
	PublicationID string     `json:"publicationId"`
	OwnerType     string     `json:"ownerType,omitempty"`
	OwnerID       string     `json:"ownerId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text        string
	FilterType  ResultType // empty = all types
	FilterOwner string     // "user:<id>" or "board:<id>"
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexPublication(p PublicationRecord) error
	IndexComment(c CommentRecord) error
	DeletePublication(id string) error
}

// PublicationRecord is the data we index for a publication.
type PublicationRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	OwnerType string `json:"ownerType"`
	OwnerID   string `json:"ownerId"`
	Owner     string `json:"owner"`
	Status    string `json:"status"`
	ParentID  string `json:"parentId"`
}

// CommentRecord is the data we index for a comment log entry.
type CommentRecord struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	Reason        string `json:"reason"`
	IdentifierID  string `json:"identifierId"`
	PublicationID string `json:"publicationId"`
	RevisionID    string `json:"revisionId"`
	UserID        string `json:"userId"`
}
