/*
Package security provides the queue's certificate authority and the
AES-256-GCM wrapping used to protect the CA's root key at rest.

# Queue Encryption Key

The root key is protected with a 32-byte key derived from the queue's
cluster ID:

	queueKey = SHA-256(queueID)

The key lives only in the master's memory; it must be supplied again
on restart via SetQueueEncryptionKey before LoadFromStore is called.

# Certificate Authority

The CA is a long-lived, self-signed root:

	Root CA
	└── Subject: CN=Work Queue Root CA, O=Work Queue

issued once at master startup and persisted (key-wrapped) via
storage.Store.SaveCA. From it the master issues short-lived leaf
certificates:

	IssueMasterCertificate(masterID, ...)   // master's server cert
	IssueWorkerCertificate(workerID, ...)   // worker's client/server cert
	IssueClientCertificate(clientID)        // CLI status/shutdown client

mutual TLS between master and worker is optional: pkg/transport wraps
a plain net.Conn in tls.Server/tls.Client only when certificates are
configured, so an unauthenticated deployment still works with the bare
ASCII wire protocol.

# Usage

	store, _ := storage.NewBoltStore("/var/lib/workqueue")
	security.SetQueueEncryptionKey(security.DeriveKeyFromQueueID(queueID))

	ca := security.NewCertAuthority(store)
	if !ca.IsInitialized() {
		ca.Initialize()
		ca.SaveToStore()
	} else {
		ca.LoadFromStore()
	}

	cert, _ := ca.IssueWorkerCertificate(workerID, []string{hostname}, ips)
*/
package security
