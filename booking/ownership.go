package booking

import "strings"

// =============================================================================
// OWNERSHIP
// =============================================================================

// NormalizeName folds case and collapses whitespace in display names.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// OwnsBooking is the primary ownership rule: the stable display name
// matches, or failing that the session token matches. Tokens rotate for
// anonymous members, so the name is checked first.
func OwnsBooking(actor Identity, b Booking) bool {
	if n := NormalizeName(b.UserName); n != "" && n == NormalizeName(actor.Name) {
		return true
	}
	return b.OwnerAuthID != "" && b.OwnerAuthID == actor.AuthID
}

// LegacyOwnerlessGroup is the compatibility policy for rows written
// before owner fields existed. It permits cancelling a set of rows when
// no row names a different owner and at least one row has neither a
// name nor a token.
//
// RISK: any member can cancel an unowned legacy batch this way. Kept on
// purpose until legacy rows are migrated; disable with
// Config.DisableLegacyOwnerless.
func LegacyOwnerlessGroup(actor Identity, rows []Booking) bool {
	me := NormalizeName(actor.Name)
	ownerless := false
	for _, b := range rows {
		name := NormalizeName(b.UserName)
		if name != "" && name != me {
			return false
		}
		if name == "" && b.OwnerAuthID == "" {
			ownerless = true
		}
	}
	return ownerless
}

// authorizeCancel returns the first row the actor may not cancel, or ""
// when every row may be cancelled.
func (e *Engine) authorizeCancel(actor Identity, rows []Booking) (denied string, legacy bool) {
	for _, b := range rows {
		if !OwnsBooking(actor, b) {
			denied = b.ID
			break
		}
	}
	if denied == "" {
		return "", false
	}
	if e.allowLegacy && LegacyOwnerlessGroup(actor, rows) {
		return "", true
	}
	return denied, false
}
