package core

import (
	"strings"

	"golang.org/x/exp/maps"
)

// Document is the file tree owned by one session: a map of normalized
// path to text replica plus a set of folder existence markers. All
// mutation goes through the owning session actor, so there is no lock
// here.
type Document struct {
	// agent identity used for replicas created on this node
	agent Id

	files   map[string]*TextReplica
	folders map[string]bool
}

// NewDocument creates a document seeded with one empty file. A document
// is never empty: deleting the last remaining file is rejected.
func NewDocument(agent Id, defaultFile string) *Document {
	doc := &Document{
		agent:   agent,
		files:   map[string]*TextReplica{},
		folders: map[string]bool{},
	}
	doc.files[NormalizePath(defaultFile)] = NewTextReplica(agent)
	return doc
}

// Apply merges a delta into the named file, creating the replica on
// first write.
func (self *Document) Apply(path string, delta *Delta) {
	path = NormalizePath(path)
	replica, ok := self.files[path]
	if !ok {
		replica = NewTextReplica(self.agent)
		self.files[path] = replica
	}
	replica.Merge(delta)
}

// Read returns the materialized content of the named file.
func (self *Document) Read(path string) (string, error) {
	replica, ok := self.files[NormalizePath(path)]
	if !ok {
		return "", ErrNotFound
	}
	return replica.String(), nil
}

func (self *Document) CreateFile(path string) error {
	path = NormalizePath(path)
	if path == "" {
		return ErrNotFound
	}
	if _, ok := self.files[path]; ok {
		return ErrAlreadyExists
	}
	self.files[path] = NewTextReplica(self.agent)
	return nil
}

func (self *Document) DeleteFile(path string) error {
	path = NormalizePath(path)
	if _, ok := self.files[path]; !ok {
		return ErrNotFound
	}
	if len(self.files) == 1 {
		return ErrLastFile
	}
	delete(self.files, path)
	return nil
}

func (self *Document) RenameFile(oldPath string, newPath string) error {
	oldPath = NormalizePath(oldPath)
	newPath = NormalizePath(newPath)
	replica, ok := self.files[oldPath]
	if !ok {
		return ErrNotFound
	}
	if newPath == "" {
		return ErrNotFound
	}
	if _, ok := self.files[newPath]; ok {
		return ErrAlreadyExists
	}
	delete(self.files, oldPath)
	self.files[newPath] = replica
	return nil
}

func (self *Document) CreateFolder(path string) error {
	path = NormalizePath(path)
	if path == "" {
		return ErrNotFound
	}
	if self.folders[path] {
		return ErrAlreadyExists
	}
	self.folders[path] = true
	return nil
}

// DeleteFolder removes a folder marker and cascades deletion of every
// file and folder under it. The whole operation fails atomically with
// ErrWouldRemoveAllFiles if the cascade would empty the file set.
func (self *Document) DeleteFolder(path string) error {
	path = NormalizePath(path)
	prefix := path + "/"

	cascade := []string{}
	for filePath := range self.files {
		if strings.HasPrefix(filePath, prefix) {
			cascade = append(cascade, filePath)
		}
	}
	if !self.folders[path] && len(cascade) == 0 {
		return ErrNotFound
	}
	if len(cascade) == len(self.files) {
		return ErrWouldRemoveAllFiles
	}

	for _, filePath := range cascade {
		delete(self.files, filePath)
	}
	for folder := range self.folders {
		if folder == path || strings.HasPrefix(folder, prefix) {
			delete(self.folders, folder)
		}
	}
	return nil
}

// Files returns the materialized content of every file.
func (self *Document) Files() map[string]string {
	out := map[string]string{}
	for path, replica := range self.files {
		out[path] = replica.String()
	}
	return out
}

// Paths returns the file paths in the document.
func (self *Document) Paths() []string {
	return maps.Keys(self.files)
}

// Folders returns the folder markers in the document.
func (self *Document) Folders() []string {
	return maps.Keys(self.folders)
}
