package main

// BioProfile is the matching-relevant slice of a user's profile.
type BioProfile struct {
	UserID    int
	City      string
	Age       int
	Gender    string
	Languages []string
	Hobbies   []string
}

// PoolCandidate is a recommendation candidate: the bio plus the candidate's
// accepted connections, needed for the mutual-connection bonus.
type PoolCandidate struct {
	BioProfile
	Connections map[int]struct{}
}

// RelationshipSets are a single user's derived views over the edges and
// dismissals tables. They are read-only projections; all mutations go
// through the transition functions in edges.go.
type RelationshipSets struct {
	Connections map[int]struct{}
	Outgoing    map[int]struct{}
	Incoming    map[int]struct{}
	Dismissed   map[int]struct{}
}

// Filters narrow the candidate pool before scoring.
type Filters struct {
	AgeMin int
	AgeMax int
	Gender string // GenderAny matches everyone
}
