package workflow

// FileTransfer describes how one logical file moves between placements.
type FileTransfer struct {
	LFN   string
	JobID string

	Type     FileType
	Size     int64
	Transfer TransferMode

	TransientRegistration bool

	Sources      []SiteURL
	Destinations []SiteURL

	// RegistrationURL is recorded in the durable catalog once the file
	// lands. Empty when nothing is registered.
	RegistrationURL string
}

// NewFileTransfer starts a descriptor for f on behalf of jobID.
func NewFileTransfer(f *File, jobID string) *FileTransfer {
	return &FileTransfer{
		LFN:                   f.LFN,
		JobID:                 jobID,
		Type:                  f.Type,
		Size:                  f.Size,
		Transfer:              f.Transfer,
		TransientRegistration: f.TransientRegistration,
	}
}

// AddSource appends a source placement.
func (ft *FileTransfer) AddSource(site, url string) {
	ft.Sources = append(ft.Sources, SiteURL{Site: site, URL: url})
}

// AddDestination appends a destination placement.
func (ft *FileTransfer) AddDestination(site, url string) {
	ft.Destinations = append(ft.Destinations, SiteURL{Site: site, URL: url})
}

// Valid reports whether the descriptor has at least one source and one
// destination.
func (ft *FileTransfer) Valid() bool {
	return ft != nil && len(ft.Sources) > 0 && len(ft.Destinations) > 0
}
