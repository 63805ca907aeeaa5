package model

// Candidate is the identity collaborator's projection of an examinee.
type Candidate struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	SymbolNumber string `json:"symbol_number"`
	TokenVersion int    `json:"-"`
}
