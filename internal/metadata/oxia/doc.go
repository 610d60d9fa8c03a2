// Package oxia implements metadata.Store on top of Oxia.
//
// Brokers that share an Oxia namespace form one cluster: each writes an
// ephemeral key describing itself and watches the namespace for the others.
// The keys vanish when a broker's session expires, so a crashed broker drops
// out of the peer list without anyone deleting it.
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "default",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package oxia
