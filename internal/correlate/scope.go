package correlate

// Scopes pairs local projects with remote project titles. Projects without
// an explicit pairing map onto the remote project of the same name.
type Scopes struct {
	toRemote map[string]string
	toLocal  map[string]string
	def      string
}

// NewScopes builds the pairing from local→remote pairs. def is the local
// project assumed for records that have none.
func NewScopes(pairs map[string]string, def string) Scopes {
	s := Scopes{
		toRemote: make(map[string]string, len(pairs)),
		toLocal:  make(map[string]string, len(pairs)),
		def:      def,
	}
	for local, remote := range pairs {
		if local == "" || remote == "" {
			continue
		}
		s.toRemote[local] = remote
		s.toLocal[remote] = local
	}
	return s
}

// Default returns the project assumed for records without one.
func (s Scopes) Default() string { return s.def }

// Local returns the local project paired with a remote project title.
func (s Scopes) Local(remoteTitle string) string {
	if local, ok := s.toLocal[remoteTitle]; ok {
		return local
	}
	return remoteTitle
}

// Remote returns the remote project title paired with a local project.
// The empty project maps through the default.
func (s Scopes) Remote(localProject string) string {
	if localProject == "" {
		localProject = s.def
	}
	if remote, ok := s.toRemote[localProject]; ok {
		return remote
	}
	return localProject
}

// Of returns the scope key of a local project: the project itself, or the
// default when empty.
func (s Scopes) Of(localProject string) string {
	if localProject == "" {
		return s.def
	}
	return localProject
}
