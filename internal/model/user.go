package model

import (
	"fmt"
	"strings"
	"time"
)

type UserRole string

const (
	UserRoleUser    UserRole = "User"
	UserRoleManager UserRole = "Manager"
	UserRoleAdmin   UserRole = "Admin"
)

type User struct {
	ID        string    `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
	Role      UserRole  `json:"role"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (u User) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("%w: user id is empty", ErrInvalidMutation)
	}
	return nil
}
