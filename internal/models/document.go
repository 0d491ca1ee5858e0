package models

import (
	"slices"
	"time"
)

// Run status values stored on a Document.
const (
	RunStatusProcessing = "processing"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
)

// Document is the logical record for one source artifact. It is keyed by
// FilePath and versioned by RunID across reprocessing.
type Document struct {
	ID          string `firestore:"id" json:"id"`
	RunID       int    `firestore:"run_id" json:"run_id"`
	FilePath    string `firestore:"file_path" json:"file_path"`
	FileType    string `firestore:"file_type" json:"file_type"`
	ContentHash string `firestore:"content_hash" json:"content_hash"`
	ExtPath     string `firestore:"ext_path,omitempty" json:"ext_path,omitempty"`
	Title       string `firestore:"title,omitempty" json:"title,omitempty"`
	Author      string `firestore:"author,omitempty" json:"author,omitempty"`
	CreatedBy   string `firestore:"created_by,omitempty" json:"created_by,omitempty"`

	DateCreated time.Time `firestore:"date_created" json:"date_created"`
	DateUpdated time.Time `firestore:"date_updated" json:"date_updated"`

	Tags                []string `firestore:"tags" json:"tags"`
	MoleculeTags        []string `firestore:"molecule_tags" json:"molecule_tags"`
	RegistryMoleculeIDs []string `firestore:"registry_molecule_ids" json:"registry_molecule_ids"`

	// Run bookkeeping. An empty RunStatus is a record written before leases
	// existed and is treated as completed.
	RunStatus      string    `firestore:"run_status,omitempty" json:"run_status,omitempty"`
	RunError       string    `firestore:"run_error,omitempty" json:"run_error,omitempty"`
	LeaseExpiresAt time.Time `firestore:"lease_expires_at,omitempty" json:"lease_expires_at,omitempty"`
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Tags = slices.Clone(d.Tags)
	c.MoleculeTags = slices.Clone(d.MoleculeTags)
	c.RegistryMoleculeIDs = slices.Clone(d.RegistryMoleculeIDs)
	return &c
}

// Finished reports whether the document's last run is no longer in flight.
func (d *Document) Finished() bool {
	return d.RunStatus != RunStatusProcessing
}

// LeaseLive reports whether a processing lease is still held at now.
func (d *Document) LeaseLive(now time.Time) bool {
	return d.RunStatus == RunStatusProcessing && now.Before(d.LeaseExpiresAt)
}

// AddTag appends tag unless it is empty or already present.
func (d *Document) AddTag(tag string) {
	d.Tags = appendUnique(d.Tags, tag)
}

// AddMoleculeTag appends name unless it is empty or already present.
func (d *Document) AddMoleculeTag(name string) {
	d.MoleculeTags = appendUnique(d.MoleculeTags, name)
}

// AddRegistryMoleculeID appends id unless it is empty or already present.
func (d *Document) AddRegistryMoleculeID(id string) {
	d.RegistryMoleculeIDs = appendUnique(d.RegistryMoleculeIDs, id)
}

func appendUnique(list []string, v string) []string {
	if v == "" || slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
