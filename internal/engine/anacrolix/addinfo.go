package anacrolix

// AddInfo is the write-only engine.TorrentAddInfo builder for the
// anacrolix/torrent adapter.
type AddInfo struct {
	magnetURI       string
	torrentFilePath string
	resumeDataPath  string
}

func (a *AddInfo) SetMagnetURI(uri string)          { a.magnetURI = uri }
func (a *AddInfo) SetTorrentFilePath(path string)   { a.torrentFilePath = path }
func (a *AddInfo) SetResumeDataPath(path string)    { a.resumeDataPath = path }
