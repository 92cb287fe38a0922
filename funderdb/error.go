package funderdb

import "fmt"

var (
	ErrNoFunderDBExists = fmt.Errorf("funder db has not yet been created")
	ErrMetaNotFound     = fmt.Errorf("unable to locate meta information")

	ErrFriendNotFound  = fmt.Errorf("friend with target identity not found")
	ErrNoFriendsStored = fmt.Errorf("there are no stored friends")
)
