package workflow

// FileType classifies a logical file.
type FileType string

const (
	FileData       FileType = "data"
	FileExecutable FileType = "executable"
	FileCheckpoint FileType = "checkpoint"
)

// TransferMode says whether a file must be moved off its staging site.
type TransferMode string

const (
	// TransferAlways moves the file and fails if it cannot be moved.
	TransferAlways TransferMode = "always"

	// TransferNever leaves the file where it was produced.
	TransferNever TransferMode = "never"

	// TransferOptional moves the file if it exists.
	TransferOptional TransferMode = "optional"
)

// SiteURL is a locator held at a site.
type SiteURL struct {
	Site string `json:"site" yaml:"site"`
	URL  string `json:"url" yaml:"url"`
}

// File is a logical file consumed or produced by a job.
type File struct {
	LFN      string       `json:"lfn" yaml:"lfn"`
	Size     int64        `json:"size,omitempty" yaml:"size,omitempty"`
	Type     FileType     `json:"type,omitempty" yaml:"type,omitempty"`
	Transfer TransferMode `json:"transfer,omitempty" yaml:"transfer,omitempty"`

	// TransientRegistration marks files that are never registered in a
	// durable replica catalog.
	TransientRegistration bool `json:"transient_registration,omitempty" yaml:"transient_registration,omitempty"`

	// Optional inputs are dropped from the job when no replica exists.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`

	// Source and Destination pre-resolve the file's placement, bypassing
	// catalog lookup.
	Source      *SiteURL `json:"source,omitempty" yaml:"source,omitempty"`
	Destination *SiteURL `json:"destination,omitempty" yaml:"destination,omitempty"`
}

// TransientTransfer reports whether the file stays on its staging site.
func (f *File) TransientTransfer() bool {
	return f.Transfer == TransferNever
}

// Ephemeral reports whether the file is neither moved nor registered. No
// transfer descriptor is ever built for it.
func (f *File) Ephemeral() bool {
	return f.TransientRegistration && f.TransientTransfer()
}

// PreResolved reports whether the file already carries its placement.
func (f *File) PreResolved() bool {
	return f.Source != nil || f.Destination != nil
}

// ApplyDefaults fills zero-valued type and transfer mode.
func (f *File) ApplyDefaults() {
	if f.Type == "" {
		f.Type = FileData
	}
	if f.Transfer == "" {
		f.Transfer = TransferAlways
	}
}

// FileSet is an insertion-ordered set of files keyed by logical name.
type FileSet struct {
	order []string
	files map[string]*File
}

// NewFileSet returns a set holding files. Later duplicates replace earlier
// ones in place.
func NewFileSet(files ...*File) *FileSet {
	s := &FileSet{files: make(map[string]*File, len(files))}
	for _, f := range files {
		s.Add(f)
	}
	return s
}

// Add inserts or replaces f.
func (s *FileSet) Add(f *File) {
	if f == nil {
		return
	}
	if s.files == nil {
		s.files = make(map[string]*File)
	}
	if _, ok := s.files[f.LFN]; !ok {
		s.order = append(s.order, f.LFN)
	}
	s.files[f.LFN] = f
}

// Get returns the file with the given logical name.
func (s *FileSet) Get(lfn string) (*File, bool) {
	if s == nil {
		return nil, false
	}
	f, ok := s.files[lfn]
	return f, ok
}

// Has reports whether lfn is in the set.
func (s *FileSet) Has(lfn string) bool {
	_, ok := s.Get(lfn)
	return ok
}

// Remove deletes lfn and reports whether it was present.
func (s *FileSet) Remove(lfn string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.files[lfn]; !ok {
		return false
	}
	delete(s.files, lfn)
	for i, name := range s.order {
		if name == lfn {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Clear removes every file.
func (s *FileSet) Clear() {
	if s == nil {
		return
	}
	s.order = nil
	s.files = make(map[string]*File)
}

// Len returns the number of files.
func (s *FileSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Files returns the files in insertion order. The slice is a copy.
func (s *FileSet) Files() []*File {
	if s == nil {
		return nil
	}
	out := make([]*File, 0, len(s.order))
	for _, lfn := range s.order {
		out = append(out, s.files[lfn])
	}
	return out
}
