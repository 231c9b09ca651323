package service

import (
	"encoding/json"

	"github.com/bastion-games/bastion/pkg/cache"
	"github.com/bastion-games/bastion/pkg/types"
)

const userProfileField = "profile"

// loadUser returns the cached user profile, falling back to persistence. The
// profile is write-through: every mutation lands in the store immediately, so
// either copy is authoritative.
func loadUser(d *Deps, userID int64) (*types.User, error) {
	var u types.User
	ok, err := d.getRow(classUser, userID, userProfileField, &u)
	if err != nil {
		return nil, err
	}
	if ok {
		return &u, nil
	}

	stored, err := d.Store.GetUser(userID)
	if err != nil {
		return nil, err
	}
	if err := cacheUser(d, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// cacheUser refreshes the cached profile copy
func cacheUser(d *Deps, u *types.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	fields := map[string]string{userProfileField: string(data)}
	return d.Cache.SetAll(cache.UserKey(classUser, u.ID), fields, classTTL[classUser])
}

// saveUser writes the profile through to persistence and refreshes the cache
func saveUser(d *Deps, u *types.User) error {
	if err := d.Store.SaveUser(u); err != nil {
		return err
	}
	return cacheUser(d, u)
}

// UserInfo returns the profile of a user
func UserInfo(d *Deps, userID int64) (*types.User, error) {
	return loadUser(d, userID)
}

// addUserPower credits combat power to the profile
func addUserPower(d *Deps, userID int64, power int64) error {
	u, err := loadUser(d, userID)
	if err != nil {
		return err
	}
	u.Power += power
	return saveUser(d, u)
}
