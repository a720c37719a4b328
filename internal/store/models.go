package store

import "time"

type OwnerKind string

const (
	OwnerUser  OwnerKind = "user"
	OwnerBoard OwnerKind = "board"
)

// Owner is who holds a publication: a user or a board.
type Owner struct {
	Kind OwnerKind
	ID   string
}

func UserOwner(id string) Owner  { return Owner{Kind: OwnerUser, ID: id} }
func BoardOwner(id string) Owner { return Owner{Kind: OwnerBoard, ID: id} }

func (o Owner) IsZero() bool { return o.Kind == "" || o.ID == "" }

func (o Owner) String() string { return string(o.Kind) + ":" + o.ID }

type User struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
}

type TallyMethod string

const (
	TallyPercent TallyMethod = "percent"
	TallyCount   TallyMethod = "count"
)

// Route is what happens to a board copy once a decree fires.
type Route string

const (
	RouteForward Route = "forward"
	RouteReturn  Route = "return"
	RouteClose   Route = "close"
)

type Decree struct {
	ID      string
	BoardID string
	Action  string
	Method  TallyMethod
	Trigger float64
	Choices []string
	Route   Route
}

// Accepts reports whether choice is one of the decree's vote choices.
func (d Decree) Accepts(choice string) bool {
	for _, item := range d.Choices {
		if item == choice {
			return true
		}
	}
	return false
}

type Board struct {
	ID              string
	Title           string
	Members         []string
	Decrees         []Decree
	IdentifierTypes []string
	// Forward is the next reviewing board for forward routes. Nil means the
	// approved copy goes to a finalizing user.
	Forward   *Owner
	Finalizer string
	CreatedAt time.Time
}

type PublicationStatus string

const (
	StatusNew        PublicationStatus = "new"
	StatusEditing    PublicationStatus = "editing"
	StatusSubmitted  PublicationStatus = "submitted"
	StatusReviewing  PublicationStatus = "reviewing"
	StatusResolved   PublicationStatus = "resolved"
	StatusFinalizing PublicationStatus = "finalizing"
	StatusPublished  PublicationStatus = "published"
	StatusRejected   PublicationStatus = "rejected"
)

// Terminal reports whether no further transition leaves the status.
func (s PublicationStatus) Terminal() bool {
	return s == StatusPublished || s == StatusRejected
}

type Publication struct {
	ID         string
	Title      string
	Owner      Owner
	CreatorID  string
	Status     PublicationStatus
	ParentID   *string
	Resolution string
	ResolvedAt *time.Time
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Active reports whether the publication still occupies its owner's review slot.
func (p Publication) Active() bool {
	return p.Resolution == "" && !p.Status.Terminal() && p.Status != StatusResolved
}

type Identifier struct {
	ID            string
	PublicationID string
	Type          string
	Name          string
	Content       string
	RevisionID    string
	OriginID      *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Vote struct {
	ID            string
	PublicationID string
	IdentifierID  string
	UserID        string
	Choice        string
	CreatedAt     time.Time
}

type Comment struct {
	ID            int64
	RevisionID    string
	UserID        string
	IdentifierID  string
	PublicationID string
	Text          string
	Reason        string
	CreatedAt     time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
