package model

import "time"

// Roles carried in the access token's "role" claim.
const (
    RoleUser     = "USER"
    RoleResident = "RESIDENT"
    RoleAdmin    = "ADMIN"
)

// User is the subset of the users table this service reads.  Accounts are
// created and authenticated elsewhere.
//
// Fields:
//  ID       – users.id, matches the token subject.
//  Email    – contact address.
//  FullName – display name.
//  Role     – USER, RESIDENT or ADMIN.
//  IsActive – whether the account is active.
type User struct {
    ID        uint64    // users.id
    Email     string    // users.email
    FullName  string    // users.full_name
    Role      string    // users.role
    IsActive  bool      // users.is_active
    CreatedAt time.Time // users.created_at
}
