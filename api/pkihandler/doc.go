// Package pkihandler serves and queries the public key directory.
//
// Anyone may look up the public key a user escrowed a wrapped key for,
// either by the user's key name identifier or by mail address:
//
//	GET /KMS/get_public_key?keynameid=a2V5TmFtZUlE
//	GET /KMS/get_public_key?mail=alice@example.com
//
// The identifier must match ^[A-Za-z0-9]+={0,2}$ and the mail address a
// conventional email pattern; anything else is rejected before the store is
// touched. LookupByKeyName and LookupByMail are the client side.
package pkihandler
