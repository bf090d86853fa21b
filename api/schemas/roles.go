package schemas

// Role names a DOM control by what it does on the monitored page. The concrete
// selector for each role comes from configuration, since page markup changes often.
type Role string

const (
	RolePrimary        Role = "primary"         // the "tap" control
	RoleAdvance        Role = "advance"         // the "next" control
	RoleOverlayDismiss Role = "overlay_dismiss" // closes a blocking overlay, if present
	RoleInitialTarget  Role = "initial_target"  // opened once before the loop starts
	RoleLoginEntry     Role = "login_entry"     // opens the login form
	RoleEmailInput     Role = "email_input"
	RolePasswordInput  Role = "password_input"
	RoleLoginSubmit    Role = "login_submit"
	RoleLoggedIn       Role = "logged_in" // present only when signed in
)

// LoginButtonRole returns the role of the control that starts a login with method m.
func LoginButtonRole(m LoginMethod) Role {
	return Role("login_" + string(m))
}

// AllRoles lists the fixed roles; login button roles are derived per method.
func AllRoles() []Role {
	return []Role{
		RolePrimary, RoleAdvance, RoleOverlayDismiss, RoleInitialTarget, RoleLoginEntry,
		RoleEmailInput, RolePasswordInput, RoleLoginSubmit, RoleLoggedIn,
	}
}
