package usermgr

type PasswdEntry struct {
	Name   string
	Passwd string
	UID    int
	GID    int
	Gecos  string
	Home   string
	Shell  string
}

// Identity is what the session hooks need to know about a user.
type Identity struct {
	Name string
	UID  int
	GID  int
}
